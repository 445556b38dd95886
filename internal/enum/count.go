// Package enum 实现旋律枚举空间的计数、反排名与顺序后继。
//
// 枚举空间 (N, L) 为从 N 个升序音高中取 L 个不重复音高的全部有序序列，
// 按规范升序诱导的字典序编号为 rank ∈ [0, Count(N, L))。
package enum

import (
	"fmt"
	"math/bits"

	"atmgen/pkg/contract"
)

// Count 返回下降阶乘 n·(n−1)·…·(n−l+1)。
// Count(n, 0) = 1；负参数或 l > n 返回 ErrInvalidInput；
// 超出 uint64 返回 ErrOverflow（不回绕、不截断）。
func Count(n, l int) (contract.Rank, error) {
	if n < 0 || l < 0 {
		return 0, fmt.Errorf("%w: negative n=%d or l=%d", contract.ErrInvalidInput, n, l)
	}
	if l > n {
		return 0, fmt.Errorf("%w: length %d exceeds pool size %d", contract.ErrInvalidInput, l, n)
	}
	var acc uint64 = 1
	for k := n; k > n-l; k-- {
		hi, lo := bits.Mul64(acc, uint64(k))
		if hi != 0 {
			return 0, fmt.Errorf("%w: count(%d, %d) exceeds 64 bits", contract.ErrOverflow, n, l)
		}
		acc = lo
	}
	return acc, nil
}

// MustCount 用于已校验过 Count(n, l) 不溢出的内部路径。
func MustCount(n, l int) contract.Rank {
	c, err := Count(n, l)
	if err != nil {
		panic(err)
	}
	return c
}

// Space 描述一个具体的枚举空间。
type Space struct {
	Pool   contract.NotePool
	Length int
	Count  contract.Rank
}

// NewSpace 校验 (pool, l) 并计算空间大小。L 需满足 1 ≤ L ≤ N。
func NewSpace(pool contract.NotePool, l int) (Space, error) {
	if l < 1 {
		return Space{}, fmt.Errorf("%w: melody length must be >= 1, got %d", contract.ErrInvalidInput, l)
	}
	c, err := Count(pool.Len(), l)
	if err != nil {
		return Space{}, err
	}
	return Space{Pool: pool, Length: l, Count: c}, nil
}

// Full 返回覆盖整个空间的分区。
func (s Space) Full() contract.Partition {
	return contract.Partition{Start: 0, End: s.Count}
}
