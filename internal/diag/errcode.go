package diag

import (
	"context"
	"errors"
	"net"
	"os"

	"atmgen/pkg/contract"
)

// Code 是最小错误分类代码。
// 用于日志/指标汇总；退出码见 ExitCode。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeOverflow  Code = "overflow"
	CodeConfig    Code = "config"
	CodeInvariant Code = "invariant"
	CodeMisuse    Code = "misuse"
	CodeStorage   Code = "storage"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
	CodeNetwork   Code = "network"
)

// 进程退出码。
const (
	ExitOK      = 0
	ExitRuntime = 1
	ExitUsage   = 2
	ExitConfig  = 3
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrOverflow) {
		return CodeOverflow
	}
	if errors.Is(err, contract.ErrConfigInvalid) || errors.Is(err, contract.ErrInvalidCompressionLevel) {
		return CodeConfig
	}
	if errors.Is(err, contract.ErrAppendAfterFinish) ||
		errors.Is(err, contract.ErrAlreadyFinished) ||
		errors.Is(err, contract.ErrRankOutOfRange) ||
		errors.Is(err, contract.ErrEndOfSpace) {
		return CodeMisuse
	}
	if errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrNonUniformPayload) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	if contract.IsEntryError(err) {
		return CodeStorage
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// ExitCode 将致命错误映射为进程退出码：
// 算术溢出与配置错误在开始工作之前失败（3）；其余运行期失败（1）。
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch Classify(err) {
	case CodeOverflow, CodeConfig, CodeInvariant:
		return ExitConfig
	default:
		return ExitRuntime
	}
}

