package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	ologger "github.com/outofforest/logger"
	"github.com/outofforest/parallel"

	"atmgen/internal/diag"
	"atmgen/internal/enum"
	"atmgen/internal/manifest"
	"atmgen/pkg/contract"
)

// - 单写者：一个分区一个后端，按 rank 严格递增追加。
// - 单条目失败记录告警并计数，遍历继续；Finish 失败为致命。
// - 分区之间无共享状态，RunPartitions 以 worker 并行；首个致命错误取消其余分区。
// - 归档变体在 Finish 成功后写出清单，断点续跑时据此跳过已完成分区。

// progressEvery: 终端进度与取消检查的步长（条目数）。
const progressEvery = 256

// Components 聚合运行所需组件。
type Components struct {
	Encoder contract.Encoder
	Store   contract.Store
	// NewBackend 在 store 上为工件 id 构造存储后端。
	NewBackend func(ctx context.Context, store contract.Store, id contract.ArtifactID, enc contract.Encoder) (contract.Backend, error)
}

// Settings: 一个分区任务。
type Settings struct {
	Pool   contract.NotePool
	Length int
	// Range: 待生成的 rank 区间（Index 为分区序号）。
	Range contract.Partition
	// Partitions: 分区总数（仅用于清单）。
	Partitions int
	// Storage: 存储变体名（仅用于日志与清单）。
	Storage  string
	Artifact contract.ArtifactID
	// Manifest: Finish 成功后写出 <Artifact>.manifest.json。
	Manifest bool
	// Resume: 清单存在且校验通过时跳过该分区。
	Resume bool
}

// Result: 一个分区的执行结果。
type Result struct {
	Partition contract.Partition
	Artifact  contract.ArtifactID
	Appended  uint64
	Failed    uint64
	// Bytes: 归档字节数；未知为 -1。
	Bytes    int64
	Skipped  bool
	Duration time.Duration
}

// Run 顺序遍历 set.Range 并逐条追加到后端。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (Result, error) {
	res := Result{Partition: set.Range, Artifact: set.Artifact, Bytes: -1}
	if err := sanity(comp, set); err != nil {
		return res, fmt.Errorf("sanity: %w", err)
	}
	w, err := enum.NewWalker(set.Pool, set.Length, set.Range)
	if err != nil {
		return res, err
	}
	part := set.Range.String()
	art := string(set.Artifact)

	if set.Resume && set.Manifest {
		if got, ok := resume(ctx, comp, set, logger); ok {
			res.Appended, res.Failed, res.Bytes, res.Skipped = got.Appended, got.Failed, got.Bytes, true
			diag.IncOp("pipeline", "resume", "success")
			if t := diag.GetTerminal(); t != nil {
				t.Progress(got.Appended, got.Failed)
				t.PartitionFinish(art, true, got.Appended, 0)
			}
			return res, nil
		}
	}

	var ds *manifest.DigestStore
	store := comp.Store
	if set.Manifest {
		ds = manifest.NewDigestStore(comp.Store)
		store = ds
	}

	timer := logger.StartWithKV("pipeline", "partition", art, part, map[string]string{
		"storage": set.Storage,
		"entries": strconv.FormatUint(set.Range.Len(), 10),
	})
	if t := diag.GetTerminal(); t != nil {
		t.PartitionStart(art, set.Range.Len())
	}
	ok := false
	defer func() {
		res.Duration = time.Since(timer.Began())
		if t := diag.GetTerminal(); t != nil {
			t.PartitionFinish(art, ok, res.Appended, res.Duration)
		}
	}()

	b, err := comp.NewBackend(ctx, store, set.Artifact, comp.Encoder)
	if err != nil {
		fail(logger, "backend", err, timer, art, part)
		return res, fmt.Errorf("open %s: %w", set.Artifact, err)
	}

	var pendOK, pendFail uint64
	flush := func() {
		if pendOK+pendFail == 0 {
			return
		}
		diag.IncEntry("appended", pendOK)
		diag.IncEntry("failed", pendFail)
		if t := diag.GetTerminal(); t != nil {
			t.Progress(pendOK, pendFail)
		}
		pendOK, pendFail = 0, 0
	}

	meta := &contract.EntryMeta{}
	for n := 0; ; n++ {
		if n%progressEvery == 0 {
			flush()
			if err := ctx.Err(); err != nil {
				abort(b)
				fail(logger, "pipeline", err, timer, art, part)
				return res, err
			}
		}
		r, m, more := w.Next()
		if !more {
			break
		}
		*meta = contract.EntryMeta{Rank: r}
		if err := b.Append(ctx, m, meta); err != nil {
			if !contract.IsEntryError(err) {
				flush()
				abort(b)
				t0 := timer.Began()
				logger.ErrorWithKV("storage", string(diag.Classify(err)), err.Error(), &t0, art, part, map[string]string{
					"rank": strconv.FormatUint(r, 10),
				})
				diag.IncOp("storage", "error", "error")
				return res, fmt.Errorf("append rank %d: %w", r, err)
			}
			res.Failed++
			pendFail++
			logger.WarnWith("storage", string(diag.CodeStorage), err.Error(), art, part, map[string]string{
				"rank":   strconv.FormatUint(r, 10),
				"melody": m.String(),
			})
			continue
		}
		res.Appended++
		pendOK++
	}
	flush()

	if err := b.Finish(ctx); err != nil {
		fail(logger, "storage", err, timer, art, part)
		return res, fmt.Errorf("finish %s: %w", set.Artifact, err)
	}

	if ds != nil {
		sum, found := ds.Sum(set.Artifact)
		if !found {
			err := fmt.Errorf("%w: %s finished without committing", contract.ErrInvalidInput, set.Artifact)
			fail(logger, "manifest", err, timer, art, part)
			return res, err
		}
		res.Bytes = sum.Bytes
		m := want(set)
		m.Appended, m.Failed, m.Bytes, m.BLAKE3 = res.Appended, res.Failed, sum.Bytes, sum.BLAKE3
		m.CreatedAt = time.Now().UTC()
		if err := manifest.Write(ctx, comp.Store, set.Artifact, m); err != nil {
			fail(logger, "manifest", err, timer, art, part)
			return res, fmt.Errorf("manifest %s: %w", set.Artifact, err)
		}
	}

	ok = true
	timer.Finish("partition", int64(res.Appended))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "partition", time.Since(timer.Began()).Milliseconds())
	return res, nil
}

// RunPartitions 以 workers 个 goroutine 并行执行互相独立的分区任务。
// 结果与 jobs 同序；首个致命错误取消其余任务并返回该错误。
func RunPartitions(ctx context.Context, comp Components, jobs []Settings, workers int, logger *diag.Logger) ([]Result, error) {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results, nil
	}
	workers = max(1, min(workers, len(jobs)))

	queue := make(chan int, len(jobs))
	for i := range jobs {
		queue <- i
	}
	close(queue)

	var mu sync.Mutex
	var firstErr error
	ctx = ologger.WithLogger(ctx, logger.Zap())
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for i := 0; i < workers; i++ {
			spawn(fmt.Sprintf("partition-worker-%02d", i), parallel.Continue, func(ctx context.Context) error {
				for j := range queue {
					res, err := Run(ctx, comp, jobs[j], logger)
					mu.Lock()
					results[j] = res
					if err != nil && firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		return nil
	})
	if firstErr != nil {
		return results, firstErr
	}
	return results, err
}

func resume(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (manifest.Manifest, bool) {
	o, ok := comp.Store.(contract.Opener)
	if !ok {
		return manifest.Manifest{}, false
	}
	got, err := manifest.Verify(ctx, o, set.Artifact, want(set))
	if err != nil {
		logger.DebugStart("pipeline", "resume: regenerate", string(set.Artifact), set.Range.String(), map[string]string{"reason": err.Error()})
		return manifest.Manifest{}, false
	}
	logger.StartWith("pipeline", "resume: skip verified partition", string(set.Artifact), set.Range.String()).Finish("resume", int64(got.Appended))
	return got, true
}

func want(set Settings) manifest.Manifest {
	return manifest.Manifest{
		Storage:    set.Storage,
		Notes:      set.Pool.Ints(),
		Length:     set.Length,
		Partitions: set.Partitions,
		Partition:  set.Range,
		Artifact:   string(set.Artifact),
	}
}

func abort(b contract.Backend) {
	if a, ok := b.(contract.Aborter); ok {
		_ = a.Abort()
	}
}

func fail(logger *diag.Logger, comp string, err error, timer *diag.Timer, art, part string) {
	code := diag.Classify(err)
	t0 := timer.Began()
	logger.ErrorWith(comp, string(code), err.Error(), &t0, art, part)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
}

// sanity 校验必要组件与参数。
func sanity(comp Components, set Settings) error {
	switch {
	case comp.Encoder == nil:
		return errors.New("encoder is nil")
	case comp.Store == nil:
		return errors.New("store is nil")
	case comp.NewBackend == nil:
		return errors.New("backend factory is nil")
	case set.Artifact == "":
		return errors.New("artifact id is empty")
	case set.Manifest && set.Partitions < 1:
		return errors.New("manifest requires partitions >= 1")
	}
	return nil
}
