package diag

import "sync/atomic"

// 最小指标钩子（默认 no-op）。名称：
// - op_total{comp,stage,result}
// - error_total{comp,code}
// - op_duration_ms{comp,stage}
// - entry_total{result}（单条目追加结果）

// Metrics 为可替换的导出实现。
type Metrics interface {
	IncOp(comp, stage, result string)
	IncError(comp, code string)
	ObserveDuration(comp, stage string, durMS int64)
	IncEntry(result string, n uint64)
}

var metrics atomic.Pointer[Metrics]

// SetMetrics 安装导出实现；nil 恢复 no-op。
func SetMetrics(m Metrics) {
	if m == nil {
		metrics.Store(nil)
		return
	}
	metrics.Store(&m)
}

func current() Metrics {
	if p := metrics.Load(); p != nil {
		return *p
	}
	return nil
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	if m := current(); m != nil {
		m.IncOp(comp, stage, result)
	}
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	if m := current(); m != nil {
		m.IncError(comp, code)
	}
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	if m := current(); m != nil {
		m.ObserveDuration(comp, stage, durMS)
	}
}

// IncEntry 累加条目结果（appended|failed）。
func IncEntry(result string, n uint64) {
	if m := current(); m != nil {
		m.IncEntry(result, n)
	}
}
