// Package single 实现逐文件存储后端：每个旋律一个独立文件，无归档级结束标记。
package single

import (
	"bytes"
	"context"
	"path"

	"atmgen/internal/tarentry"
	"atmgen/pkg/contract"
)

// Options: 预留（当前无可配置项）。
type Options struct{}

// Backend: 单写者逐文件后端。Append 为 O(1)，Finish 仅封口。
type Backend struct {
	store    contract.Writer
	dir      contract.ArtifactID
	enc      contract.Encoder
	names    tarentry.Namer
	appended uint64
	finished bool
}

// New 返回写入 store 中 dir 目录下的后端。
func New(store contract.Writer, dir contract.ArtifactID, enc contract.Encoder, _ *Options) (*Backend, error) {
	if enc == nil || store == nil {
		return nil, contract.ErrInvalidInput
	}
	return &Backend{store: store, dir: dir, enc: enc}, nil
}

var (
	_ contract.Backend = (*Backend)(nil)
	_ contract.Counter = (*Backend)(nil)
)

// Append 编码并写出一个文件 "<dir>/<rank>.mid"。
func (b *Backend) Append(ctx context.Context, m contract.Melody, meta *contract.EntryMeta) error {
	if b.finished {
		return contract.ErrAppendAfterFinish
	}
	name := b.names.Next(meta)
	payload, err := b.enc.Encode(m)
	if err != nil {
		return &contract.StorageError{Op: "encode", Name: name, Err: err}
	}
	id := contract.ArtifactID(path.Join(string(b.dir), name))
	if err := b.store.Write(ctx, id, bytes.NewReader(payload)); err != nil {
		return &contract.StorageError{Op: "write", Name: name, Err: err}
	}
	b.appended++
	return nil
}

// Finish 封口；已写出的文件不受影响。
func (b *Backend) Finish(ctx context.Context) error {
	if b.finished {
		return contract.ErrAlreadyFinished
	}
	b.finished = true
	return ctx.Err()
}

// Appended 返回成功写出的文件数。
func (b *Backend) Appended() uint64 { return b.appended }
