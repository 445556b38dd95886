package contract

import (
	"fmt"
	"strconv"
	"strings"
)

// 音名到半音偏移（C=0）。
var pitchClass = map[byte]int{
	'C': 0, 'D': 2, 'E': 4, 'F': 5, 'G': 7, 'A': 9, 'B': 11,
}

// ParseNote 解析单个音高。
// 支持：
//   - 十进制 MIDI 编号："60"
//   - 科学音高记法："C4"、"C:4"、"C#4"、"Db4"、"B-1"（C4 = 60，C-1 = 0）
//
// 结果必须落在 0..127。
func ParseNote(s string) (Note, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty note", ErrInvalidInput)
	}
	if v, err := strconv.Atoi(s); err == nil {
		if v < 0 || v > int(MaxNote) {
			return 0, fmt.Errorf("%w: note %d out of MIDI range", ErrInvalidInput, v)
		}
		return Note(v), nil
	}
	pc, ok := pitchClass[upper(s[0])]
	if !ok {
		return 0, fmt.Errorf("%w: invalid note %q", ErrInvalidInput, s)
	}
	rest := s[1:]
	// 升降号
	for len(rest) > 0 && (rest[0] == '#' || rest[0] == 'b') {
		if rest[0] == '#' {
			pc++
		} else {
			pc--
		}
		rest = rest[1:]
	}
	rest = strings.TrimPrefix(rest, ":")
	octave, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid octave in note %q", ErrInvalidInput, s)
	}
	v := (octave+1)*12 + pc
	if v < 0 || v > int(MaxNote) {
		return 0, fmt.Errorf("%w: note %q out of MIDI range", ErrInvalidInput, s)
	}
	return Note(v), nil
}

func upper(c byte) byte {
	if c >= 'a' && c <= 'z' {
		return c - 'a' + 'A'
	}
	return c
}
