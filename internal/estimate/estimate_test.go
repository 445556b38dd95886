package estimate

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"atmgen/internal/enum"
	"atmgen/pkg/contract"
	"atmgen/plugins/encoder/smf"
	"atmgen/plugins/storage/batch"
	"atmgen/plugins/storage/tarball"
	"atmgen/plugins/storage/targz"
	"atmgen/plugins/writer/memory"
)

// hundred: 固定 100 字节载荷，不实现 FixedSizer（走探测路径）。
type hundred struct{}

func (hundred) Encode(m contract.Melody) ([]byte, error) {
	return bytes.Repeat([]byte{byte(m[0])}, 100), nil
}

// ragged: 载荷长度随首音变化。
type ragged struct{}

func (ragged) Encode(m contract.Melody) ([]byte, error) {
	return make([]byte, int(m[0])), nil
}

func mustPool(t testing.TB, s string) contract.NotePool {
	p, err := contract.ParseNotePool(s)
	require.NoError(t, err)
	return p
}

func tarBuilder(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder) (contract.Backend, error) {
	return tarball.New(ctx, store, id, enc, nil)
}

func targzBuilder(level int) Builder {
	return func(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder) (contract.Backend, error) {
		return targz.New(ctx, store, id, enc, &targz.Options{Level: &level})
	}
}

func batchBuilder(size int) Builder {
	return func(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder) (contract.Backend, error) {
		return batch.New(ctx, store, id, enc, &batch.Options{BatchSize: size})
	}
}

// generate 生成完整归档并返回实际字节数。
func generate(t *testing.T, pool contract.NotePool, l int, enc contract.Encoder, build Builder) int64 {
	t.Helper()
	ctx := context.Background()
	store := memory.New(&memory.Options{Discard: true})
	b, err := build(ctx, store, "full", enc)
	require.NoError(t, err)
	sp, err := enum.NewSpace(pool, l)
	require.NoError(t, err)
	w, err := enum.NewWalker(pool, l, sp.Full())
	require.NoError(t, err)
	for {
		r, m, ok := w.Next()
		if !ok {
			break
		}
		require.NoError(t, b.Append(ctx, m, &contract.EntryMeta{Rank: r}))
	}
	require.NoError(t, b.Finish(ctx))
	n, ok := store.Size("full")
	require.True(t, ok)
	return n
}

func TestExactMatchesBackend(t *testing.T) {
	requireT := require.New(t)
	ctx := context.Background()
	pool := mustPool(t, "60,61,62")

	est, err := Exact(ctx, pool, 2, hundred{})
	requireT.NoError(err)
	requireT.True(est.Exact)
	requireT.Equal(uint64(7168), est.Bytes)
	requireT.Equal(contract.Rank(6), est.Entries)
	requireT.Equal(int64(est.Bytes), generate(t, pool, 2, hundred{}, tarBuilder))

	enc, err := smf.New(nil)
	requireT.NoError(err)
	pool = mustPool(t, "60,61,62,63,64,65,66")
	est, err = Exact(ctx, pool, 4, enc)
	requireT.NoError(err)
	requireT.Equal(int64(est.Bytes), generate(t, pool, 4, enc, tarBuilder))
}

func TestExactFailsClosed(t *testing.T) {
	requireT := require.New(t)
	ctx := context.Background()

	_, err := Exact(ctx, mustPool(t, "60,61,62,63"), 2, ragged{})
	requireT.ErrorIs(err, contract.ErrNonUniformPayload)

	// 20! 个条目 × 1024 字节超出 64 位
	notes := make([]contract.Note, 20)
	for i := range notes {
		notes[i] = contract.Note(i)
	}
	pool, err := contract.NewNotePool(notes)
	requireT.NoError(err)
	enc, _ := smf.New(nil)
	_, err = Exact(ctx, pool, 20, enc)
	requireT.ErrorIs(err, contract.ErrOverflow)

	_, err = Exact(ctx, pool, 21, enc)
	requireT.ErrorIs(err, contract.ErrInvalidInput)
}

func TestSampledSmallSpaceIsExact(t *testing.T) {
	requireT := require.New(t)
	ctx := context.Background()
	pool := mustPool(t, "60,62,64,65,67")
	enc, _ := smf.New(nil)

	est, err := Sampled(ctx, pool, 3, enc, targzBuilder(6), nil)
	requireT.NoError(err)
	requireT.True(est.Exact)
	requireT.Equal(60, est.SampleSize)
	requireT.Equal(generate(t, pool, 3, enc, targzBuilder(6)), int64(est.Bytes))
}

func within(t *testing.T, actual int64, est contract.Estimate, tol float64) {
	t.Helper()
	diff := math.Abs(float64(est.Bytes)-float64(actual)) / float64(actual)
	require.LessOrEqual(t, diff, tol, "estimate %d vs actual %d (%.2f%%)", est.Bytes, actual, diff*100)
}

// N=8, L=4：count = 1680，样本 256（8 段 × 32）。
func TestSampledTarGzWithinTolerance(t *testing.T) {
	requireT := require.New(t)
	ctx := context.Background()
	pool := mustPool(t, "60,62,64,65,67,69,71,72")
	enc, _ := smf.New(nil)

	est, err := Sampled(ctx, pool, 4, enc, targzBuilder(6), &Options{SampleSize: 256, RunLength: 32, Workers: 4})
	requireT.NoError(err)
	requireT.False(est.Exact)
	requireT.Equal(256, est.SampleSize)
	requireT.Equal(contract.Rank(1680), est.Entries)
	within(t, generate(t, pool, 4, enc, targzBuilder(6)), est, 0.15)
}

// 小样本（>= 20 条）同样落在容差内：段的冷启动开销不计入外推。
func TestSampledMinimumSample(t *testing.T) {
	ctx := context.Background()
	pool := mustPool(t, "60,62,64,65,67,69,71,72")
	enc, _ := smf.New(nil)
	actual := generate(t, pool, 4, enc, targzBuilder(6))

	for _, o := range []Options{{SampleSize: 20}, {SampleSize: 20, RunLength: 1}, {SampleSize: 40, RunLength: 20}} {
		est, err := Sampled(ctx, pool, 4, enc, targzBuilder(6), &o)
		require.NoError(t, err, "%+v", o)
		require.False(t, est.Exact, "%+v", o)
		require.GreaterOrEqual(t, est.SampleSize, o.SampleSize, "%+v", o)
		within(t, actual, est, 0.15)
	}
}

func TestSampledRecordsAtLeastRequested(t *testing.T) {
	ctx := context.Background()
	pool := mustPool(t, "60,62,64,65,67,69,71,72")
	enc, _ := smf.New(nil)

	for _, n := range []int{20, 30, 100, 250} {
		est, err := Sampled(ctx, pool, 4, enc, targzBuilder(1), &Options{SampleSize: n})
		require.NoError(t, err)
		require.False(t, est.Exact)
		require.GreaterOrEqual(t, est.SampleSize, n)
		require.Zero(t, est.SampleSize%DefaultRunLength, "whole runs only: %d", est.SampleSize)
	}
}

func TestHeadOfRuns(t *testing.T) {
	long := make([]sample, 8)
	payloads := make([][]byte, 8)
	for i := range long {
		long[i] = sample{rank: contract.Rank(10*(i/4) + i%4)}
		payloads[i] = []byte{byte(i)}
	}
	short, sp := headOfRuns(long, payloads, 2)
	require.Equal(t, []contract.Rank{0, 1, 10, 11}, []contract.Rank{short[0].rank, short[1].rank, short[2].rank, short[3].rank})
	require.Equal(t, [][]byte{{0}, {1}, {4}, {5}}, sp)
}

func TestSampledBatchWithinTolerance(t *testing.T) {
	ctx := context.Background()
	pool := mustPool(t, "60,62,64,65,67,69,71,72")
	enc, _ := smf.New(nil)

	est, err := Sampled(ctx, pool, 4, enc, batchBuilder(64), &Options{SampleSize: 256, RunLength: 64})
	require.NoError(t, err)
	within(t, generate(t, pool, 4, enc, batchBuilder(64)), est, 0.15)
}

func TestSampledPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	_, err := Sampled(ctx, mustPool(t, "60,61"), 3, hundred{}, tarBuilder, nil)
	require.ErrorIs(t, err, contract.ErrInvalidInput)

	bad := 12
	_, err = Sampled(ctx, mustPool(t, "60,61,62"), 2, hundred{}, targzBuilder(bad), nil)
	require.ErrorIs(t, err, contract.ErrInvalidCompressionLevel)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = Sampled(cctx, mustPool(t, "60,61,62,63,64,65,66,67"), 4, hundred{}, targzBuilder(6), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSpread(t *testing.T) {
	require.Equal(t, []contract.Rank{0, 5, 10}, spread(11, 3))
	require.Equal(t, []contract.Rank{0}, spread(100, 1))
	require.Nil(t, spread(0, 3))

	starts := spread(math.MaxUint64, 4)
	require.Equal(t, contract.Rank(0), starts[0])
	require.Equal(t, contract.Rank(math.MaxUint64-1), starts[3])
	require.Less(t, starts[1], starts[2])
}
