package contract

import (
	"errors"
	"fmt"
)

// 枚举/存储相关最小错误分类。
var (
	// ErrInvalidInput: 输入参数非法（空音池、L 越界、分区数 < 1 等）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrOverflow: (N, L) 的排列数超出 uint64 可表示范围；不可重试，只能缩小规模。
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrRankOutOfRange: 反排名请求不在 [0, count) 内（调用方缺陷）。
	ErrRankOutOfRange = errors.New("rank out of range")
	// ErrEndOfSpace: 已到达枚举空间末尾，无后继。
	ErrEndOfSpace = errors.New("end of enumeration space")
	// ErrInvalidCompressionLevel: 压缩级别不在 0..9。
	ErrInvalidCompressionLevel = errors.New("compression level must be between 0 and 9")
	// ErrAppendAfterFinish: Finish 之后继续 Append。
	ErrAppendAfterFinish = errors.New("append after finish")
	// ErrAlreadyFinished: 重复 Finish。
	ErrAlreadyFinished = errors.New("backend already finished")
	// ErrNonUniformPayload: 精确估算要求每条载荷字节数恒定。
	ErrNonUniformPayload = errors.New("payload size is not uniform")
	// ErrConfigInvalid: 配置缺失或取值非法（CLI/文件/环境变量合并后校验失败）。
	ErrConfigInvalid = errors.New("config invalid")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
)

// StorageError: 单条目写入失败（可恢复：记录告警后继续遍历）。
type StorageError struct {
	Op   string // encode | header | write
	Name string // 条目名
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsEntryError: 是否为单条目级（非致命）错误。
func IsEntryError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
