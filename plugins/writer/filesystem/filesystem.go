package filesystem

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"atmgen/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// OutputDir: 输出根目录（必需）。
	OutputDir string `json:"output_dir"`
	// Atomic: 是否使用原子替换（同目录临时文件 + rename）。
	// 默认值：true。未提供该字段时采用原子写；显式 false 可关闭。
	Atomic *bool `json:"atomic,omitempty"`
	// Flat: 是否扁平化输出（仅保留文件名，不保留目录层级）。
	// 默认 false：single 后端按 "<name>/<rank>.mid" 分目录写出。
	Flat *bool `json:"flat,omitempty"`
	// PermFile/PermDir: 可选权限；为 0 表示使用实现/平台默认。
	PermFile os.FileMode `json:"perm_file,omitempty"`
	PermDir  os.FileMode `json:"perm_dir,omitempty"`
	// BufSize: 写缓冲区大小；<=0 使用实现默认。
	BufSize int `json:"buf_size,omitempty"`
}

type FS struct {
	root    string
	atomic  bool
	flat    bool
	permF   os.FileMode
	permD   os.FileMode
	bufSize int
}

// New 创建文件系统 Store 实现。
func New(opts *Options) (*FS, error) {
	if opts == nil || strings.TrimSpace(opts.OutputDir) == "" {
		return nil, os.ErrInvalid
	}
	bsz := opts.BufSize
	if bsz <= 0 {
		bsz = 256 * 1024
	}
	pf := opts.PermFile
	if pf == 0 {
		pf = 0o644
	}
	pd := opts.PermDir
	if pd == 0 {
		pd = 0o755
	}
	flat := false
	if opts.Flat != nil {
		flat = *opts.Flat
	}
	atomic := true
	if opts.Atomic != nil {
		atomic = *opts.Atomic
	}
	return &FS{root: opts.OutputDir, atomic: atomic, flat: flat, permF: pf, permD: pd, bufSize: bsz}, nil
}

var (
	_ contract.Store  = (*FS)(nil)
	_ contract.Opener = (*FS)(nil)
)

// Write 将 r 的全部字节写入到基于 id 映射的目标路径。
func (w *FS) Write(ctx context.Context, id contract.ArtifactID, r io.Reader) error {
	sk, err := w.Create(ctx, id)
	if err != nil {
		return err
	}
	if _, err := io.Copy(sk, readerWithCtx(ctx, r)); err != nil {
		_ = sk.Abort()
		return err
	}
	return sk.Commit()
}

// Create 打开流式写出的目标文件。
// 原子模式下写入同目录临时文件，Commit 时替换到目标；Abort 删除临时文件，目标保持原状。
// 非原子模式直接截断写目标；Abort 删除不完整的目标文件。
func (w *FS) Create(ctx context.Context, id contract.ArtifactID) (contract.Sink, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	dest, err := w.mapPath(id)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, w.permD); err != nil {
		return nil, errors.Wrapf(err, "mkdir %s", dir)
	}

	if !w.atomic {
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, w.permF)
		if err != nil {
			return nil, errors.Wrapf(err, "open %s", dest)
		}
		return &fileSink{f: f, bw: bufio.NewWriterSize(f, w.bufSize), path: dest, dest: dest}, nil
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, errors.Wrapf(err, "create temp in %s", dir)
	}
	// 目标权限：尽量与期望一致
	_ = os.Chmod(tmp.Name(), w.permF)
	return &fileSink{f: tmp, bw: bufio.NewWriterSize(tmp, w.bufSize), path: tmp.Name(), dest: dest, atomic: true}, nil
}

// Open 回读已落盘的工件（断点续跑校验）。
func (w *FS) Open(_ context.Context, id contract.ArtifactID) (io.ReadCloser, error) {
	p, err := w.mapPath(id)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Path 返回 id 映射后的本地路径。
func (w *FS) Path(id contract.ArtifactID) (string, error) { return w.mapPath(id) }

// mapPath: Clean + Join + 越界校验。
func (w *FS) mapPath(id contract.ArtifactID) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(string(id)))
	// Flat 优先：若扁平化，则仅保留文件名并在此后校验名称合法
	if w.flat {
		rel = filepath.Base(rel)
		if rel == "." || rel == ".." || rel == "" || rel == string(filepath.Separator) {
			return "", contract.ErrPathInvalid
		}
		return filepath.Join(w.root, rel), nil
	}
	// 非扁平：禁止绝对路径、父级逃逸、Windows 卷名
	if rel == "." || rel == "" {
		return "", contract.ErrPathInvalid
	}
	if filepath.IsAbs(rel) {
		return "", contract.ErrPathInvalid
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", contract.ErrPathInvalid
	}
	if vol := filepath.VolumeName(rel); vol != "" {
		return "", contract.ErrPathInvalid
	}
	return filepath.Join(w.root, rel), nil
}

// fileSink: 单个流式工件。
type fileSink struct {
	f      *os.File
	bw     *bufio.Writer
	path   string // 实际写入路径（原子模式下为临时文件）
	dest   string
	atomic bool
	done   bool
}

func (s *fileSink) Write(p []byte) (int, error) {
	if s.done {
		return 0, os.ErrClosed
	}
	return s.bw.Write(p)
}

func (s *fileSink) Commit() error {
	if s.done {
		return os.ErrClosed
	}
	s.done = true
	if err := s.bw.Flush(); err != nil {
		s.discard()
		return errors.Wrapf(err, "flush %s", s.dest)
	}
	if err := s.f.Sync(); err != nil {
		s.discard()
		return errors.Wrapf(err, "sync %s", s.dest)
	}
	if err := s.f.Close(); err != nil {
		_ = os.Remove(s.path)
		return errors.Wrapf(err, "close %s", s.dest)
	}
	if !s.atomic {
		return nil
	}
	if err := publish(s.path, s.dest, filepath.Dir(s.dest)); err != nil {
		_ = os.Remove(s.path)
		return errors.Wrapf(err, "replace %s", s.dest)
	}
	return nil
}

func (s *fileSink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	s.discard()
	return nil
}

func (s *fileSink) discard() {
	_ = s.f.Close()
	_ = os.Remove(s.path)
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
