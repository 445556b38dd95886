// Package batch 实现分批存储后端：每 BatchSize 个旋律组成一个独立的 gzip tar 流，
// 作为一个条目写入外层未压缩 tar。内存峰值为一个批次。
package batch

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"atmgen/internal/tarentry"
	"atmgen/pkg/contract"
	"atmgen/plugins/storage/targz"
)

const (
	// Ext: 外层工件扩展名。
	Ext = ".batch.tar"
	// DefaultBatchSize: 每批旋律数。
	DefaultBatchSize = 1000
)

// Options: 批大小、内层压缩与条目元信息。
type Options struct {
	// BatchSize: 每批旋律数；<=0 使用 DefaultBatchSize。
	BatchSize int `json:"batch_size,omitempty"`
	// Level: 内层 gzip 级别 0..9；nil 使用 targz.DefaultLevel。
	Level *int `json:"level,omitempty"`
	// MTime: 内外层条目修改时间（Unix 秒）；0 使用 Epoch。
	MTime int64 `json:"mtime,omitempty"`
}

// BatchName 返回第 i 个批次条目名。
func BatchName(i int) string {
	return fmt.Sprintf("batch-%06d.tar.gz", i)
}

// Backend: 单写者分批后端。
type Backend struct {
	enc       contract.Encoder
	sink      contract.Sink
	outer     *tarentry.Writer
	batchSize int
	mtime     int64

	// 当前批次
	buf     bytes.Buffer
	gz      *gzip.Writer
	inner   *tarentry.Writer
	inBatch int
	batches int

	names    tarentry.Namer
	appended uint64
	finished bool
}

// New 校验参数后在 store 上打开工件 id。
func New(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder, opts *Options) (*Backend, error) {
	if enc == nil {
		return nil, errors.Wrap(contract.ErrInvalidInput, "batch backend requires an encoder")
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	level, err := (&targz.Options{Level: o.Level}).Resolve()
	if err != nil {
		return nil, err
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	b := &Backend{enc: enc, batchSize: o.BatchSize, mtime: o.MTime}
	b.gz, err = gzip.NewWriterLevel(&b.buf, level)
	if err != nil {
		return nil, errors.Wrap(err, "init gzip")
	}
	b.sink, err = store.Create(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", id)
	}
	b.outer = tarentry.NewWriter(b.sink, tarentry.MTime(o.MTime))
	return b, nil
}

var (
	_ contract.Backend = (*Backend)(nil)
	_ contract.Aborter = (*Backend)(nil)
	_ contract.Counter = (*Backend)(nil)
)

// Append 将旋律加入当前批次；批次满时整体写入外层 tar。
func (b *Backend) Append(ctx context.Context, m contract.Melody, meta *contract.EntryMeta) error {
	if b.finished {
		return contract.ErrAppendAfterFinish
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.inner == nil {
		b.buf.Reset()
		b.gz.Reset(&b.buf)
		b.inner = tarentry.NewWriter(b.gz, tarentry.MTime(b.mtime))
	}
	if err := b.inner.Append(b.enc, m, b.names.Next(meta)); err != nil {
		return err
	}
	b.inBatch++
	b.appended++
	if b.inBatch >= b.batchSize {
		return b.flush()
	}
	return nil
}

// flush 关闭当前批次的内层流并写为外层条目。
func (b *Backend) flush() error {
	name := BatchName(b.batches)
	b.batches++
	b.inBatch = 0
	inner := b.inner
	b.inner = nil
	if err := inner.Close(); err != nil {
		return &contract.StorageError{Op: "flush", Name: name, Err: err}
	}
	if err := b.gz.Close(); err != nil {
		return &contract.StorageError{Op: "flush", Name: name, Err: err}
	}
	if op, err := b.outer.WriteEntry(name, b.buf.Bytes()); err != nil {
		return &contract.StorageError{Op: op, Name: name, Err: err}
	}
	return nil
}

// Finish 写出未满的最后一批、外层结束标记并提交工件。
func (b *Backend) Finish(ctx context.Context) error {
	if b.finished {
		return contract.ErrAlreadyFinished
	}
	b.finished = true
	if err := ctx.Err(); err != nil {
		_ = b.sink.Abort()
		return err
	}
	if b.inBatch > 0 {
		if err := b.flush(); err != nil {
			_ = b.sink.Abort()
			return errors.Wrap(err, "flush final batch")
		}
	}
	if err := b.outer.Close(); err != nil {
		_ = b.sink.Abort()
		return errors.Wrap(err, "write tar trailer")
	}
	return errors.Wrap(b.sink.Commit(), "commit batch archive")
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

// Batches 返回已写出的批次数。
func (b *Backend) Batches() int { return b.batches }
