// Package tarball 实现未压缩 tar 存储后端：每个旋律一个 USTAR 条目。
package tarball

import (
	"context"

	"github.com/pkg/errors"

	"atmgen/internal/tarentry"
	"atmgen/pkg/contract"
)

// Ext: 工件扩展名。
const Ext = ".tar"

// Options: 条目元信息。
type Options struct {
	// MTime: 条目修改时间（Unix 秒）；0 使用 Epoch，保证可复现输出。
	MTime int64 `json:"mtime,omitempty"`
}

// Backend: 单写者 tar 后端。
type Backend struct {
	enc      contract.Encoder
	sink     contract.Sink
	tw       *tarentry.Writer
	names    tarentry.Namer
	appended uint64
	finished bool
}

// New 在 store 上打开工件 id 并返回后端。
func New(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder, opts *Options) (*Backend, error) {
	if enc == nil {
		return nil, errors.Wrap(contract.ErrInvalidInput, "tar backend requires an encoder")
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	sink, err := store.Create(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", id)
	}
	return &Backend{enc: enc, sink: sink, tw: tarentry.NewWriter(sink, tarentry.MTime(o.MTime))}, nil
}

var (
	_ contract.Backend = (*Backend)(nil)
	_ contract.Aborter = (*Backend)(nil)
	_ contract.Counter = (*Backend)(nil)
)

// Append 写入一个条目：头块 + 512 对齐的载荷。
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

// Finish 写出结束标记并提交工件。失败时丢弃半成品。
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
	return errors.Wrap(b.sink.Commit(), "commit tar")
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
