package targz

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"atmgen/internal/enum"
	"atmgen/pkg/contract"
	"atmgen/plugins/encoder/smf"
	"atmgen/plugins/writer/memory"
)

func level(v int) *int { return &v }

func generate(t *testing.T, b contract.Backend, pool contract.NotePool, l int) {
	t.Helper()
	sp, err := enum.NewSpace(pool, l)
	require.NoError(t, err)
	w, err := enum.NewWalker(pool, l, sp.Full())
	require.NoError(t, err)
	for {
		r, m, ok := w.Next()
		if !ok {
			break
		}
		require.NoError(t, b.Append(context.Background(), m, &contract.EntryMeta{Rank: r}))
	}
}

func TestRoundTrip(t *testing.T) {
	requireT := require.New(t)
	ctx := context.Background()
	store := memory.New(nil)
	enc, err := smf.New(nil)
	requireT.NoError(err)
	pool, err := contract.ParseNotePool("60,62,64,65,67")
	requireT.NoError(err)

	b, err := New(ctx, store, "atm.tar.gz", enc, &Options{Level: level(9)})
	requireT.NoError(err)
	generate(t, b, pool, 3)
	requireT.NoError(b.Finish(ctx))
	requireT.Equal(uint64(60), b.Appended())

	zr, err := gzip.NewReader(bytes.NewReader(store.Bytes("atm.tar.gz")))
	requireT.NoError(err)
	tr := tar.NewReader(zr)
	var r contract.Rank
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		requireT.NoError(err)
		requireT.Equal(contract.EntryName(r, ".mid"), hdr.Name)
		got, err := io.ReadAll(tr)
		requireT.NoError(err)
		m, err := enum.Unrank(pool, 3, r)
		requireT.NoError(err)
		want, err := enc.Encode(m)
		requireT.NoError(err)
		requireT.Equal(want, got)
		r++
	}
	requireT.Equal(contract.Rank(60), r)
}

func TestLevelValidation(t *testing.T) {
	requireT := require.New(t)
	ctx := context.Background()
	store := memory.New(nil)
	enc, _ := smf.New(nil)

	for _, bad := range []int{-1, 10, 42} {
		_, err := New(ctx, store, "x.tar.gz", enc, &Options{Level: level(bad)})
		requireT.ErrorIs(err, contract.ErrInvalidCompressionLevel)
		requireT.ErrorIs(ValidateLevel(bad), contract.ErrInvalidCompressionLevel)
	}
	requireT.Empty(store.IDs())

	for lv := 0; lv <= 9; lv++ {
		requireT.NoError(ValidateLevel(lv))
	}
	got, err := (*Options)(nil).Resolve()
	requireT.NoError(err)
	requireT.Equal(DefaultLevel, got)
}

func TestLevelZeroIsStored(t *testing.T) {
	requireT := require.New(t)
	ctx := context.Background()
	enc, _ := smf.New(nil)
	pool, _ := contract.ParseNotePool("60,61,62,63")

	sizes := map[int]int64{}
	for _, lv := range []int{0, 9} {
		store := memory.New(nil)
		b, err := New(ctx, store, "a", enc, &Options{Level: level(lv)})
		requireT.NoError(err)
		generate(t, b, pool, 4)
		requireT.NoError(b.Finish(ctx))
		sizes[lv], _ = store.Size("a")
	}
	requireT.Greater(sizes[0], sizes[9])
	// 级别 0 不压缩：不小于未压缩 tar
	requireT.GreaterOrEqual(sizes[0], int64(24*(512+512)+1024))
}

func TestFinishContract(t *testing.T) {
	requireT := require.New(t)
	ctx := context.Background()
	store := memory.New(nil)
	enc, _ := smf.New(nil)

	b, err := New(ctx, store, "a.tar.gz", enc, nil)
	requireT.NoError(err)
	requireT.NoError(b.Append(ctx, contract.Melody{60, 61}, nil))
	requireT.NoError(b.Finish(ctx))
	before := bytes.Clone(store.Bytes("a.tar.gz"))

	requireT.ErrorIs(b.Finish(ctx), contract.ErrAlreadyFinished)
	requireT.ErrorIs(b.Append(ctx, contract.Melody{60, 61}, nil), contract.ErrAppendAfterFinish)
	requireT.Equal(before, store.Bytes("a.tar.gz"))

	ab, err := New(ctx, store, "b.tar.gz", enc, nil)
	requireT.NoError(err)
	requireT.NoError(ab.Append(ctx, contract.Melody{60, 61}, nil))
	requireT.NoError(ab.Abort())
	requireT.ErrorIs(ab.Finish(ctx), contract.ErrAlreadyFinished)
	_, ok := store.Size("b.tar.gz")
	requireT.False(ok)
}
