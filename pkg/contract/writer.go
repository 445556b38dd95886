package contract

import (
	"context"
	"io"
)

// ArtifactID: 持久化工件标识（相对路径或对象键，'/' 分隔）。
type ArtifactID string

// Writer: 将一个完整对象以流式方式持久化到目标介质（文件系统/对象存储等）。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 流式写入，按字节透传，不读取/修改业务内容；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}

// Sink: 流式写出的单个工件。
// Commit 之前目标位置不可见完整结果；Abort 丢弃已写内容。
// Commit/Abort 只应调用其一，且仅一次。
type Sink interface {
	io.Writer
	Commit() error
	Abort() error
}

// Store: 后端所需的全部持久化能力。
type Store interface {
	Writer
	// Create 打开一个流式工件；归档类后端在 Finish 时 Commit。
	Create(ctx context.Context, id ArtifactID) (Sink, error)
}

// Opener: 可选扩展。支持回读已提交工件的 Store 实现（用于断点续跑校验）。
type Opener interface {
	Open(ctx context.Context, id ArtifactID) (io.ReadCloser, error)
}
