// Package targz 实现 gzip 压缩的 tar 存储后端：条目组帧与 tar 相同，整条字节流经 gzip。
package targz

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"atmgen/internal/tarentry"
	"atmgen/pkg/contract"
)

const (
	// Ext: 工件扩展名。
	Ext = ".tar.gz"
	// DefaultLevel: 未指定时的压缩级别。
	DefaultLevel = 6
)

// Options: 压缩与条目元信息。
type Options struct {
	// Level: gzip 压缩级别 0..9；nil 使用 DefaultLevel。
	Level *int `json:"level,omitempty"`
	// MTime: 条目修改时间（Unix 秒）；0 使用 Epoch。
	MTime int64 `json:"mtime,omitempty"`
}

// ValidateLevel 校验压缩级别（配置期调用，先于任何生成）。
func ValidateLevel(level int) error {
	if level < 0 || level > 9 {
		return fmt.Errorf("%w (found %d)", contract.ErrInvalidCompressionLevel, level)
	}
	return nil
}

// Resolve 返回生效的压缩级别。
func (o *Options) Resolve() (int, error) {
	if o == nil || o.Level == nil {
		return DefaultLevel, nil
	}
	return *o.Level, ValidateLevel(*o.Level)
}

// Backend: 单写者 tar.gz 后端。
type Backend struct {
	enc      contract.Encoder
	sink     contract.Sink
	gz       *gzip.Writer
	tw       *tarentry.Writer
	names    tarentry.Namer
	appended uint64
	finished bool
}

// New 校验压缩级别后在 store 上打开工件 id。
func New(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder, opts *Options) (*Backend, error) {
	if enc == nil {
		return nil, errors.Wrap(contract.ErrInvalidInput, "tar-gz backend requires an encoder")
	}
	level, err := opts.Resolve()
	if err != nil {
		return nil, err
	}
	var mtime int64
	if opts != nil {
		mtime = opts.MTime
	}
	sink, err := store.Create(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", id)
	}
	gz, err := gzip.NewWriterLevel(sink, level)
	if err != nil {
		_ = sink.Abort()
		return nil, errors.Wrap(err, "init gzip")
	}
	return &Backend{enc: enc, sink: sink, gz: gz, tw: tarentry.NewWriter(gz, tarentry.MTime(mtime))}, nil
}

var (
	_ contract.Backend = (*Backend)(nil)
	_ contract.Aborter = (*Backend)(nil)
	_ contract.Counter = (*Backend)(nil)
)

// Append 写入一个条目（经压缩器）。
func (b *Backend) Append(ctx context.Context, m contract.Melody, meta *contract.EntryMeta) error {
	if b.finished {
		return contract.ErrAppendAfterFinish
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.tw.Append(b.enc, m, b.names.Next(meta)); err != nil {
		return err
	}
	b.appended++
	return nil
}

// Finish 依次关闭 tar、gzip 并提交工件。
func (b *Backend) Finish(ctx context.Context) error {
	if b.finished {
		return contract.ErrAlreadyFinished
	}
	b.finished = true
	if err := ctx.Err(); err != nil {
		_ = b.sink.Abort()
		return err
	}
	if err := b.tw.Close(); err != nil {
		_ = b.sink.Abort()
		return errors.Wrap(err, "write tar trailer")
	}
	if err := b.gz.Close(); err != nil {
		_ = b.sink.Abort()
		return errors.Wrap(err, "close gzip stream")
	}
	return errors.Wrap(b.sink.Commit(), "commit tar.gz")
}

// Abort 放弃未完成的工件。
func (b *Backend) Abort() error {
	if b.finished {
		return nil
	}
	b.finished = true
	return b.sink.Abort()
}

// Appended 返回成功写入的条目数。
func (b *Backend) Appended() uint64 { return b.appended }
