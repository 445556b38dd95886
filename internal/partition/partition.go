// Package partition 将枚举空间 [0, count) 切分为近似等长的连续区间。
// 仅计算边界，不做生成；无跨调用状态。
package partition

import (
	"fmt"

	"atmgen/internal/enum"
	"atmgen/pkg/contract"
)

// Split 按“余数前置”切分：base = count/parts，前 count%parts 个分区各多 1。
// parts > count 时尾部分区为空（Start == End），不视为错误。
func Split(count contract.Rank, parts int) ([]contract.Partition, error) {
	if parts < 1 {
		return nil, fmt.Errorf("%w: partitions must be >= 1, got %d", contract.ErrInvalidInput, parts)
	}
	out := make([]contract.Partition, parts)
	for i := range out {
		out[i] = nth(count, uint64(parts), i)
	}
	return out, nil
}

// ForSpace 计算 Count(n, l) 后切分；溢出按 ErrOverflow 上抛。
func ForSpace(n, l, parts int) ([]contract.Partition, error) {
	c, err := enum.Count(n, l)
	if err != nil {
		return nil, err
	}
	return Split(c, parts)
}

// Nth 单独计算第 index 个分区（worker 只需自己的区间）。
func Nth(count contract.Rank, parts, index int) (contract.Partition, error) {
	if parts < 1 {
		return contract.Partition{}, fmt.Errorf("%w: partitions must be >= 1, got %d", contract.ErrInvalidInput, parts)
	}
	if index < 0 || index >= parts {
		return contract.Partition{}, fmt.Errorf("%w: partition index %d not in [0, %d)", contract.ErrInvalidInput, index, parts)
	}
	return nth(count, uint64(parts), index), nil
}

// Locate 返回包含 rank 的分区下标。
func Locate(count contract.Rank, parts int, rank contract.Rank) (int, error) {
	if parts < 1 {
		return 0, fmt.Errorf("%w: partitions must be >= 1, got %d", contract.ErrInvalidInput, parts)
	}
	if rank >= count {
		return 0, fmt.Errorf("%w: rank %d not in [0, %d)", contract.ErrRankOutOfRange, rank, count)
	}
	p := uint64(parts)
	base, rem := count/p, count%p
	head := rem * (base + 1)
	if rank < head {
		return int(rank / (base + 1)), nil
	}
	return int(rem + (rank-head)/base), nil
}

func nth(count, parts contract.Rank, index int) contract.Partition {
	base, rem := count/parts, count%parts
	i := uint64(index)
	start := i*base + min(i, rem)
	size := base
	if i < rem {
		size++
	}
	return contract.Partition{Index: index, Start: start, End: start + size}
}
