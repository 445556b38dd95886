package contract

import (
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// Note: 单个音高（MIDI 音符号 0..127）。
type Note uint8

// MaxNote: MIDI 音符号上限（含）。
const MaxNote Note = 127

// Rank: 旋律在字典序枚举空间中的零基位置。
type Rank = uint64

// Melody: 由 NotePool 中 L 个互不重复的音高组成的有序序列。
// 产出后视为只读；需要修改时先 Clone。
type Melody []Note

// Clone 返回独立副本。
func (m Melody) Clone() Melody {
	if m == nil {
		return nil
	}
	out := make(Melody, len(m))
	copy(out, m)
	return out
}

// String: 形如 "60-61-62"，用于日志与条目命名。
func (m Melody) String() string {
	var b strings.Builder
	for i, n := range m {
		if i > 0 {
			b.WriteByte('-')
		}
		fmt.Fprintf(&b, "%d", n)
	}
	return b.String()
}

// NotePool: 规范升序、去重后的音高集合。一次运行内不可变。
// 零值不可用；通过 NewNotePool/ParseNotePool 构造。
type NotePool struct {
	notes []Note
}

// NewNotePool 对输入去重并升序排列。空集合或越界音高返回 ErrInvalidInput。
func NewNotePool(notes []Note) (NotePool, error) {
	if len(notes) == 0 {
		return NotePool{}, fmt.Errorf("%w: note pool is empty", ErrInvalidInput)
	}
	for _, n := range notes {
		if n > MaxNote {
			return NotePool{}, fmt.Errorf("%w: note %d out of MIDI range", ErrInvalidInput, n)
		}
	}
	uniq := lo.Uniq(notes)
	slices.Sort(uniq)
	return NotePool{notes: uniq}, nil
}

// ParseNotePool 解析逗号分隔的音高列表（数字或音名，见 ParseNote）。
func ParseNotePool(s string) (NotePool, error) {
	parts := lo.Compact(lo.Map(strings.Split(s, ","), func(p string, _ int) string {
		return strings.TrimSpace(p)
	}))
	notes := make([]Note, 0, len(parts))
	for _, p := range parts {
		n, err := ParseNote(p)
		if err != nil {
			return NotePool{}, err
		}
		notes = append(notes, n)
	}
	return NewNotePool(notes)
}

// Len 返回集合基数 N。
func (p NotePool) Len() int { return len(p.notes) }

// At 返回规范序下第 i 个音高。
func (p NotePool) At(i int) Note { return p.notes[i] }

// Notes 返回规范序副本。
func (p NotePool) Notes() []Note { return slices.Clone(p.notes) }

// IndexOf 返回音高在规范序中的位置；不存在时 ok=false。
func (p NotePool) IndexOf(n Note) (int, bool) {
	return slices.BinarySearch(p.notes, n)
}

// Ints: 便于 JSON/日志输出的整型视图。
func (p NotePool) Ints() []int {
	return lo.Map(p.notes, func(n Note, _ int) int { return int(n) })
}

// String: 逗号分隔的数字形式（可被 ParseNotePool 回读）。
func (p NotePool) String() string {
	return strings.Join(lo.Map(p.notes, func(n Note, _ int) string { return fmt.Sprintf("%d", n) }), ",")
}

// Partition: 半开区间 [Start, End)，交给单个独立 worker。
// 同一 (N, L, parts) 产出的分区按 Start 排序后连续、不重叠，并恰好覆盖 [0, count)。
type Partition struct {
	Index int  `json:"index"`
	Start Rank `json:"start"`
	End   Rank `json:"end"`
}

// Len 返回区间内的 rank 数。
func (p Partition) Len() Rank {
	if p.End <= p.Start {
		return 0
	}
	return p.End - p.Start
}

// Empty: 空分区合法，但不产出旋律。
func (p Partition) Empty() bool { return p.End <= p.Start }

// Contains 判断 r 是否落在区间内。
func (p Partition) Contains(r Rank) bool { return r >= p.Start && r < p.End }

func (p Partition) String() string {
	return fmt.Sprintf("#%d[%d,%d)", p.Index, p.Start, p.End)
}

// EntryMeta: Append 的可选元信息。
// Name 为空时由后端按 Rank 生成条目名。
type EntryMeta struct {
	Rank Rank
	Name string
}

// Estimate: 归档大小预测。Exact=false 时 SampleSize 记录所用样本数。
type Estimate struct {
	Bytes      uint64 `json:"bytes"`
	Exact      bool   `json:"exact"`
	SampleSize int    `json:"sample_size,omitempty"`
	Entries    Rank   `json:"entries"`
}
