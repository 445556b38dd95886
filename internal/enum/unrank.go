package enum

import (
	"fmt"
	"slices"

	"atmgen/pkg/contract"
)

// Unrank 返回 rank 处的旋律（阶乘进制分解）。
// 候选列表为音池规范升序副本；第 i 位的除数为剩余后缀的排列数 Count(N-1-i, L-1-i)，
// 商即候选下标（取出并移除），余数继续分解。每次调用 O(N)。
func Unrank(pool contract.NotePool, l int, rank contract.Rank) (contract.Melody, error) {
	sp, err := NewSpace(pool, l)
	if err != nil {
		return nil, err
	}
	if rank >= sp.Count {
		return nil, fmt.Errorf("%w: rank %d not in [0, %d)", contract.ErrRankOutOfRange, rank, sp.Count)
	}
	n := pool.Len()
	cand := pool.Notes()
	out := make(contract.Melody, 0, l)
	for i := 0; i < l; i++ {
		div := MustCount(n-1-i, l-1-i)
		idx := rank / div
		out = append(out, cand[idx])
		cand = slices.Delete(cand, int(idx), int(idx)+1)
		rank %= div
	}
	return out, nil
}

// RankOf 是 Unrank 的逆：返回旋律在 (pool, len(m)) 空间中的 rank。
// 音高不在池中或重复时返回 ErrInvalidInput。
func RankOf(pool contract.NotePool, m contract.Melody) (contract.Rank, error) {
	l := len(m)
	if _, err := NewSpace(pool, l); err != nil {
		return 0, err
	}
	n := pool.Len()
	cand := pool.Notes()
	var rank contract.Rank
	for i, note := range m {
		idx := slices.Index(cand, note)
		if idx < 0 {
			return 0, fmt.Errorf("%w: note %d not available at position %d of %s", contract.ErrInvalidInput, note, i, m)
		}
		rank += contract.Rank(idx) * MustCount(n-1-i, l-1-i)
		cand = slices.Delete(cand, idx, idx+1)
	}
	return rank, nil
}

// Successor 返回 m 在字典序中的下一个旋律；m 为最后一个时返回 ErrEndOfSpace。
// 纯函数：不修改 m。顺序遍历请使用 Walker（复用状态，避免分配）。
func Successor(pool contract.NotePool, m contract.Melody) (contract.Melody, error) {
	idx, used, err := indexState(pool, m)
	if err != nil {
		return nil, err
	}
	if !step(idx, used) {
		return nil, contract.ErrEndOfSpace
	}
	out := make(contract.Melody, len(idx))
	for i, k := range idx {
		out[i] = pool.At(k)
	}
	return out, nil
}

// indexState 将旋律映射为池下标数组与占用表。
func indexState(pool contract.NotePool, m contract.Melody) ([]int, []bool, error) {
	if _, err := NewSpace(pool, len(m)); err != nil {
		return nil, nil, err
	}
	idx := make([]int, len(m))
	used := make([]bool, pool.Len())
	for i, note := range m {
		k, ok := pool.IndexOf(note)
		if !ok || used[k] {
			return nil, nil, fmt.Errorf("%w: melody %s is not a member of the space", contract.ErrInvalidInput, m)
		}
		idx[i] = k
		used[k] = true
	}
	return idx, used, nil
}

// step 原地推进到字典序后继。
// 自末位向前：释放该位，寻找比它大的最小未占用下标；找到则替换，
// 其后各位依次填入最小未占用下标。无可推进位返回 false（此时状态不再有效）。
func step(idx []int, used []bool) bool {
	n := len(used)
	for i := len(idx) - 1; i >= 0; i-- {
		used[idx[i]] = false
		j := idx[i] + 1
		for j < n && used[j] {
			j++
		}
		if j == n {
			continue
		}
		idx[i] = j
		used[j] = true
		k := 0
		for p := i + 1; p < len(idx); p++ {
			for used[k] {
				k++
			}
			idx[p] = k
			used[k] = true
		}
		return true
	}
	return false
}
