package enum

import (
	"fmt"

	"atmgen/pkg/contract"
)

// Walker: 分区 [Start, End) 上的顺序游标。
// 构造时以一次 Unrank 定位起点，其后每步为原地后继（均摊 O(L)）。
// 单 goroutine 使用；Next 返回的 Melody 在下一次 Next 前有效，需保留时 Clone。
type Walker struct {
	pool contract.NotePool
	part contract.Partition
	idx  []int
	used []bool
	cur  contract.Melody
	next contract.Rank
	// fresh: idx 已指向 next，下一次 Next 无需推进
	fresh bool
}

// NewWalker 校验分区边界并定位到 part.Start。
// End 超出空间大小返回 ErrRankOutOfRange；Start > End 返回 ErrInvalidInput。
func NewWalker(pool contract.NotePool, l int, part contract.Partition) (*Walker, error) {
	sp, err := NewSpace(pool, l)
	if err != nil {
		return nil, err
	}
	if part.Start > part.End {
		return nil, fmt.Errorf("%w: partition start %d > end %d", contract.ErrInvalidInput, part.Start, part.End)
	}
	if part.End > sp.Count {
		return nil, fmt.Errorf("%w: partition end %d exceeds count %d", contract.ErrRankOutOfRange, part.End, sp.Count)
	}
	w := &Walker{
		pool: pool,
		part: part,
		idx:  make([]int, l),
		used: make([]bool, pool.Len()),
		cur:  make(contract.Melody, l),
	}
	if err := w.Seek(part.Start); err != nil {
		return nil, err
	}
	return w, nil
}

// Seek 重新定位到 r（r == End 表示已耗尽）。用于断点续跑。
func (w *Walker) Seek(r contract.Rank) error {
	if r < w.part.Start || r > w.part.End {
		return fmt.Errorf("%w: seek %d outside %s", contract.ErrRankOutOfRange, r, w.part)
	}
	w.next = r
	if r == w.part.End {
		return nil
	}
	m, err := Unrank(w.pool, len(w.idx), r)
	if err != nil {
		return err
	}
	clear(w.used)
	for i, note := range m {
		k, _ := w.pool.IndexOf(note)
		w.idx[i] = k
		w.used[k] = true
	}
	w.fresh = true
	return nil
}

// Next 返回下一个 (rank, melody)；到达 End 后 ok=false。
func (w *Walker) Next() (contract.Rank, contract.Melody, bool) {
	if w.next >= w.part.End {
		return 0, nil, false
	}
	if !w.fresh {
		if !step(w.idx, w.used) {
			// End ≤ Count 已在构造时校验，这里不可达
			w.next = w.part.End
			return 0, nil, false
		}
	}
	for i, k := range w.idx {
		w.cur[i] = w.pool.At(k)
	}
	r := w.next
	w.next++
	w.fresh = false
	return r, w.cur, true
}

// Position 返回下一次 Next 将产出的 rank。
func (w *Walker) Position() contract.Rank { return w.next }

// Partition 返回游标覆盖的区间。
func (w *Walker) Partition() contract.Partition { return w.part }
