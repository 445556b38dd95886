package contract

import "context"

// Backend: 存储变体的公共契约（single / tar / tar-gz / batch）。
// 约束：
//  1. 单写者：一个实例只由一个 goroutine 按 rank 顺序调用；
//  2. Append 可缓冲，Finish 之前不要求刷出；
//  3. Finish 之后 Append → ErrAppendAfterFinish；重复 Finish → ErrAlreadyFinished，且不改动已写字节；
//  4. Append 的单条目失败以 *StorageError 返回（调用方记录后继续）；Finish 失败为致命。
type Backend interface {
	Append(ctx context.Context, m Melody, meta *EntryMeta) error
	Finish(ctx context.Context) error
}

// Encoder: 旋律 → 字节载荷的纯函数（如 SMF）。
type Encoder interface {
	Encode(m Melody) ([]byte, error)
}

// FixedSizer: 可选扩展。长度为 l 的旋律载荷字节数恒定时返回 (size, true)。
type FixedSizer interface {
	PayloadSize(l int) (int, bool)
}

// Counter: 可选扩展。后端报告已成功追加的条目数。
type Counter interface {
	Appended() uint64
}

// Aborter: 可选扩展。放弃未 Finish 的输出（取消/致命错误路径）；已 Finish 时为 no-op。
type Aborter interface {
	Abort() error
}
