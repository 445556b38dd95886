// Package estimate 预测归档大小而不生成完整数据。
//
// tar 走解析式精确计算；压缩格式（tar-gz、batch）抽取分布在整个枚举空间上的样本，
// 构造同格式的真实小容器并测量字节数，再按条目数线性外推。
package estimate

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"runtime"

	"golang.org/x/sync/errgroup"

	"atmgen/internal/enum"
	"atmgen/internal/tarentry"
	"atmgen/pkg/contract"
	"atmgen/plugins/writer/memory"
)

const (
	// DefaultSampleSize: 默认样本条目数。
	DefaultSampleSize = 256
	// DefaultRunLength: 每段连续 rank 的长度（保留相邻条目间的压缩上下文）。
	DefaultRunLength = 16
	// MinRunLength: 段长下限；更短的段只含冷启动条目，边际字节数失真。
	MinRunLength = 8
	// probeCount: 无 FixedSizer 时探测载荷大小的样本数。
	probeCount = 16
)

// Builder 在 store 上为工件 id 构造一个待估算格式的后端。
type Builder func(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder) (contract.Backend, error)

// Options: 采样参数。零值字段使用默认值。
type Options struct {
	SampleSize int
	RunLength  int
	// Workers: 并行渲染样本载荷的 goroutine 上限；<=0 使用 GOMAXPROCS。
	Workers int
}

func (o *Options) withDefaults() Options {
	out := Options{SampleSize: DefaultSampleSize, RunLength: DefaultRunLength, Workers: runtime.GOMAXPROCS(0)}
	if o == nil {
		return out
	}
	if o.SampleSize > 0 {
		out.SampleSize = o.SampleSize
	}
	if o.RunLength > 0 {
		out.RunLength = o.RunLength
	}
	if o.Workers > 0 {
		out.Workers = o.Workers
	}
	out.RunLength = max(min(out.RunLength, out.SampleSize), MinRunLength)
	return out
}

// Exact: count × (512 + roundUp512(payload)) + 1024。
// 载荷大小取自 FixedSizer；否则探测若干样本，大小不一致返回 ErrNonUniformPayload。
func Exact(ctx context.Context, pool contract.NotePool, l int, enc contract.Encoder) (contract.Estimate, error) {
	sp, err := enum.NewSpace(pool, l)
	if err != nil {
		return contract.Estimate{}, err
	}
	size, err := payloadSize(ctx, sp, enc)
	if err != nil {
		return contract.Estimate{}, err
	}
	hi, body := bits.Mul64(sp.Count, uint64(tarentry.EntrySize(int64(size))))
	total, carry := bits.Add64(body, tarentry.TrailerSize, 0)
	if hi != 0 || carry != 0 {
		return contract.Estimate{}, fmt.Errorf("%w: tar size for %d entries exceeds 64 bits", contract.ErrOverflow, sp.Count)
	}
	return contract.Estimate{Bytes: total, Exact: true, Entries: sp.Count}, nil
}

func payloadSize(ctx context.Context, sp enum.Space, enc contract.Encoder) (int, error) {
	if fs, ok := enc.(contract.FixedSizer); ok {
		if n, fixed := fs.PayloadSize(sp.Length); fixed {
			return n, nil
		}
	}
	ranks := spread(sp.Count, min(sp.Count, probeCount))
	size := -1
	for _, r := range ranks {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		m, err := enum.Unrank(sp.Pool, sp.Length, r)
		if err != nil {
			return 0, err
		}
		b, err := enc.Encode(m)
		if err != nil {
			return 0, fmt.Errorf("encode rank %d: %w", r, err)
		}
		if size >= 0 && len(b) != size {
			return 0, fmt.Errorf("%w: rank %d renders %d bytes, expected %d", contract.ErrNonUniformPayload, r, len(b), size)
		}
		size = len(b)
	}
	return size, nil
}

// Sampled 以边际字节数外推压缩格式的大小。
//
// 样本为 R 段连续 rank，段起点均匀分布在整个空间上。同一组段分别取前 k 条与前 2k 条
// 各构造一次真实容器，两者之差除以 R·k 即稳态下每条目的边际字节数；每段冷启动的
// 固定开销由此抵消，不会被摊到 count 上。
// R = ceil(SampleSize/k)，记录的样本数 R·k 不小于请求值。
// 空间不超过 2·R·k 条时直接构造完整容器并标记精确。
func Sampled(ctx context.Context, pool contract.NotePool, l int, enc contract.Encoder, build Builder, opts *Options) (contract.Estimate, error) {
	sp, err := enum.NewSpace(pool, l)
	if err != nil {
		return contract.Estimate{}, err
	}
	o := opts.withDefaults()
	k := contract.Rank(o.RunLength)
	runs := (contract.Rank(o.SampleSize) + k - 1) / k

	if full := sp.Count/2/k < runs; full {
		samples, err := collect(sp, []contract.Rank{0}, sp.Count)
		if err != nil {
			return contract.Estimate{}, err
		}
		payloads, err := render(ctx, enc, samples, o.Workers)
		if err != nil {
			return contract.Estimate{}, err
		}
		store := memory.New(&memory.Options{Discard: true})
		size, err := measure(ctx, store, "full", build, &replay{payloads: payloads}, samples)
		if err != nil {
			return contract.Estimate{}, err
		}
		return contract.Estimate{Bytes: uint64(size), Exact: true, SampleSize: len(samples), Entries: sp.Count}, nil
	}

	starts := spread(sp.Count-2*k+1, runs)
	long, err := collect(sp, starts, 2*k)
	if err != nil {
		return contract.Estimate{}, err
	}
	payloads, err := render(ctx, enc, long, o.Workers)
	if err != nil {
		return contract.Estimate{}, err
	}
	short, shortPayloads := headOfRuns(long, payloads, int(k))

	store := memory.New(&memory.Options{Discard: true})
	empty, err := measure(ctx, store, "empty", build, enc, nil)
	if err != nil {
		return contract.Estimate{}, err
	}
	small, err := measure(ctx, store, "sample", build, &replay{payloads: shortPayloads}, short)
	if err != nil {
		return contract.Estimate{}, err
	}
	large, err := measure(ctx, store, "sample-2x", build, &replay{payloads: payloads}, long)
	if err != nil {
		return contract.Estimate{}, err
	}

	n := float64(len(short))
	perEntry := float64(large-small) / n
	perRun := (float64(small-empty) - perEntry*n) / float64(runs)
	total := float64(empty) + max(perRun, 0) + perEntry*float64(sp.Count)
	if total >= math.MaxUint64 {
		return contract.Estimate{}, fmt.Errorf("%w: estimate exceeds 64 bits", contract.ErrOverflow)
	}
	return contract.Estimate{Bytes: uint64(math.Round(max(total, float64(empty)))), SampleSize: len(short), Entries: sp.Count}, nil
}

// headOfRuns 从每段 2k 条中取前 k 条及其载荷。
func headOfRuns(long []sample, payloads [][]byte, k int) ([]sample, [][]byte) {
	out := make([]sample, 0, len(long)/2)
	outP := make([][]byte, 0, len(long)/2)
	for i := 0; i < len(long); i += 2 * k {
		out = append(out, long[i:i+k]...)
		outP = append(outP, payloads[i:i+k]...)
	}
	return out, outP
}

type sample struct {
	rank   contract.Rank
	melody contract.Melody
}

// collect 以 Walker 遍历每段 [start, start+run)。
func collect(sp enum.Space, starts []contract.Rank, run contract.Rank) ([]sample, error) {
	out := make([]sample, 0, uint64(len(starts))*run)
	for _, s := range starts {
		w, err := enum.NewWalker(sp.Pool, sp.Length, contract.Partition{Start: s, End: s + run})
		if err != nil {
			return nil, err
		}
		for {
			r, m, ok := w.Next()
			if !ok {
				break
			}
			out = append(out, sample{rank: r, melody: m.Clone()})
		}
	}
	return out, nil
}

// render 并行编码样本载荷；样本之间无共享状态。
func render(ctx context.Context, enc contract.Encoder, samples []sample, workers int) ([][]byte, error) {
	out := make([][]byte, len(samples))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range samples {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := enc.Encode(samples[i].melody)
			if err != nil {
				return fmt.Errorf("encode rank %d: %w", samples[i].rank, err)
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// measure 构造容器、按序追加样本并返回提交后的字节数。
func measure(ctx context.Context, store *memory.Store, id contract.ArtifactID, build Builder, enc contract.Encoder, samples []sample) (int64, error) {
	b, err := build(ctx, store, id, enc)
	if err != nil {
		return 0, err
	}
	for _, s := range samples {
		if err := b.Append(ctx, s.melody, &contract.EntryMeta{Rank: s.rank}); err != nil {
			if a, ok := b.(contract.Aborter); ok {
				_ = a.Abort()
			}
			return 0, fmt.Errorf("sample rank %d: %w", s.rank, err)
		}
	}
	if err := b.Finish(ctx); err != nil {
		return 0, err
	}
	n, ok := store.Size(id)
	if !ok {
		return 0, fmt.Errorf("%w: sample container %q not committed", contract.ErrInvalidInput, id)
	}
	return n, nil
}

// spread 在 [0, limit) 上均匀取 k 个点（首个为 0，末个为 limit-1），128 位中间量避免溢出。
func spread(limit, k uint64) []contract.Rank {
	if k == 0 || limit == 0 {
		return nil
	}
	if k == 1 {
		return []contract.Rank{0}
	}
	out := make([]contract.Rank, k)
	den := k - 1
	last := limit - 1
	for i := uint64(0); i < k; i++ {
		hi, lo := bits.Mul64(i, last)
		q, _ := bits.Div64(hi, lo, den)
		out[i] = q
	}
	return out
}

// replay 按调用顺序回放预先渲染的载荷。
type replay struct {
	payloads [][]byte
	next     int
}

func (r *replay) Encode(contract.Melody) ([]byte, error) {
	if r.next >= len(r.payloads) {
		return nil, fmt.Errorf("%w: replay exhausted", contract.ErrInvalidInput)
	}
	b := r.payloads[r.next]
	r.next++
	return b, nil
}
