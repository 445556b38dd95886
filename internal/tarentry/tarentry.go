// Package tarentry 提供 tar/tar-gz/batch 后端与估算器共享的 USTAR 条目组帧。
package tarentry

import (
	"archive/tar"
	"io"
	"time"

	"atmgen/pkg/contract"
)

const (
	// BlockSize: tar 块大小。
	BlockSize = 512
	// TrailerSize: 归档结束标记（两个零块）。
	TrailerSize = 2 * BlockSize
	// FileMode: 条目权限位。
	FileMode = 0o644
)

// Epoch: 默认条目修改时间，保证同输入产出字节一致的归档。
var Epoch = time.Unix(0, 0).UTC()

// MTime 将 Unix 秒转换为条目时间；0 表示 Epoch。
func MTime(unix int64) time.Time {
	if unix == 0 {
		return Epoch
	}
	return time.Unix(unix, 0).UTC()
}

// Padded 返回 n 向上取整到块大小后的字节数。
func Padded(n int64) int64 {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}

// EntrySize 返回载荷为 n 字节的单个条目（头块 + 填充后数据）占用的字节数。
func EntrySize(n int64) int64 {
	return BlockSize + Padded(n)
}

// Header 构造普通文件条目头（USTAR，固定权限与时间）。
func Header(name string, size int64, mtime time.Time) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Size:     size,
		Mode:     FileMode,
		ModTime:  mtime,
		Format:   tar.FormatUSTAR,
	}
}

// Writer: archive/tar 之上的单条目写入封装。
type Writer struct {
	tw    *tar.Writer
	mtime time.Time
}

// NewWriter 包装 w；mtime 为零值时使用 Epoch。
func NewWriter(w io.Writer, mtime time.Time) *Writer {
	if mtime.IsZero() {
		mtime = Epoch
	}
	return &Writer{tw: tar.NewWriter(w), mtime: mtime}
}

// WriteHeader 仅写入条目头。
func (w *Writer) WriteHeader(name string, size int64) error {
	return w.tw.WriteHeader(Header(name, size, w.mtime))
}

// WriteEntry 写入一个完整条目。
// 失败时返回的 op 为 "header" 或 "write"。
func (w *Writer) WriteEntry(name string, payload []byte) (string, error) {
	if err := w.WriteHeader(name, int64(len(payload))); err != nil {
		return "header", err
	}
	if _, err := w.tw.Write(payload); err != nil {
		return "write", err
	}
	return "", nil
}

// Append 编码并写入一条旋律；失败以 *contract.StorageError 返回。
func (w *Writer) Append(enc contract.Encoder, m contract.Melody, name string) error {
	payload, err := enc.Encode(m)
	if err != nil {
		return &contract.StorageError{Op: "encode", Name: name, Err: err}
	}
	if op, err := w.WriteEntry(name, payload); err != nil {
		return &contract.StorageError{Op: op, Name: name, Err: err}
	}
	return nil
}

// Close 写出结束标记。不关闭底层 io.Writer。
func (w *Writer) Close() error {
	return w.tw.Close()
}

// Ext: 旋律条目扩展名。
const Ext = ".mid"

// Namer 为未显式命名的条目生成名称：优先 meta.Name，其次 meta.Rank，最后顺序号。
type Namer struct {
	seq uint64
}

// Next 返回本次 Append 使用的条目名。
func (n *Namer) Next(meta *contract.EntryMeta) string {
	seq := n.seq
	n.seq++
	switch {
	case meta != nil && meta.Name != "":
		return meta.Name
	case meta != nil:
		return contract.EntryName(meta.Rank, Ext)
	default:
		return contract.EntryName(seq, Ext)
	}
}
