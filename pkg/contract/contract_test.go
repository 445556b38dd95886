package contract

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestNormalizeArtifactID 验证路径规范化逻辑。
func TestNormalizeArtifactID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"本地分隔符", filepath.Join("a", "b", "c"), "a/b/c"},
		{"父目录折叠", "./x/../y", "y"},
		{"空串", "", "."},
		{"Windows路径", "out\\p0\\melodies.tar", "out/p0/melodies.tar"},
		{"清理多余斜杠", "path//to///file.tar", "path/to/file.tar"},
		{"混合分隔符", "a\\b/./c", "a/b/c"},
		{"Unix绝对路径", "/srv/../data/x.tar", "/data/x.tar"},
		{"复杂父目录", "a\\b\\..\\..\\..\\d", "../d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, string(NormalizeArtifactID(tt.input)))
		})
	}
}

func TestSafeArtifactID(t *testing.T) {
	requireT := require.New(t)

	id, err := SafeArtifactID("p0\\atm.tar")
	requireT.NoError(err)
	requireT.Equal(ArtifactID("p0/atm.tar"), id)

	for _, bad := range []string{"", ".", "/etc/passwd", "../x", "a/../../x", "C:\\x"} {
		_, err := SafeArtifactID(bad)
		requireT.ErrorIs(err, ErrPathInvalid, bad)
	}
}

func TestParseNote(t *testing.T) {
	cases := map[string]Note{
		"60":  60,
		" 0 ": 0,
		"127": 127,
		"C4":  60,
		"c4":  60,
		"C:4": 60,
		"C#4": 61,
		"Db4": 61,
		"A4":  69,
		"B-1": 11,
		"C-1": 0,
		"G9":  127,
	}
	for in, want := range cases {
		got, err := ParseNote(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "128", "-1", "H4", "C", "G#9", "Cb-1"} {
		_, err := ParseNote(bad)
		require.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}

func TestNotePool(t *testing.T) {
	requireT := require.New(t)

	p, err := ParseNotePool("62, 60,61,60,,C4")
	requireT.NoError(err)
	requireT.Equal(3, p.Len())
	requireT.Equal([]Note{60, 61, 62}, p.Notes())
	requireT.Equal([]int{60, 61, 62}, p.Ints())
	requireT.Equal("60,61,62", p.String())

	i, ok := p.IndexOf(62)
	requireT.True(ok)
	requireT.Equal(2, i)
	_, ok = p.IndexOf(63)
	requireT.False(ok)

	// 副本不影响池本身
	notes := p.Notes()
	notes[0] = 1
	requireT.Equal(Note(60), p.At(0))

	_, err = ParseNotePool(" , ")
	requireT.ErrorIs(err, ErrInvalidInput)
	_, err = NewNotePool([]Note{200})
	requireT.ErrorIs(err, ErrInvalidInput)
}

func TestMelodyAndPartition(t *testing.T) {
	requireT := require.New(t)

	m := Melody{60, 61, 62}
	c := m.Clone()
	c[0] = 0
	requireT.Equal(Note(60), m[0])
	requireT.Equal("60-61-62", m.String())
	requireT.Nil(Melody(nil).Clone())

	p := Partition{Index: 1, Start: 2, End: 4}
	requireT.Equal(Rank(2), p.Len())
	requireT.False(p.Empty())
	requireT.True(p.Contains(2))
	requireT.False(p.Contains(4))
	requireT.Equal("#1[2,4)", p.String())
	requireT.True(Partition{Start: 5, End: 5}.Empty())
	requireT.Equal(Rank(0), Partition{Start: 5, End: 5}.Len())
}

func TestStorageErrorUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("append: %w", &StorageError{Op: "write", Name: "3.mid", Err: base})
	require.ErrorIs(t, err, base)
	require.True(t, IsEntryError(err))
	require.False(t, IsEntryError(ErrAlreadyFinished))
	require.Contains(t, err.Error(), `storage write "3.mid"`)
}
