package config

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"atmgen/internal/enum"
	"atmgen/internal/estimate"
	"atmgen/internal/partition"
	"atmgen/internal/pipeline"
	"atmgen/pkg/contract"
	"atmgen/pkg/registry"
	"atmgen/plugins/storage/targz"
	ws3 "atmgen/plugins/writer/objectstore"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", contract.ErrConfigInvalid, fmt.Sprintf(format, a...))
}

// Validate 对最小必要边界做静态校验。
// 音池/长度/计数溢出按 ErrInvalidInput / ErrOverflow 上抛；其余取值错误为 ErrConfigInvalid。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Notes) == "" {
		return invalid("notes empty")
	}
	pool, err := contract.ParseNotePool(cfg.Notes)
	if err != nil {
		return fmt.Errorf("config: notes: %w", err)
	}
	if cfg.Length < 1 {
		return invalid("length must be >= 1, got %d", cfg.Length)
	}
	sp, err := enum.NewSpace(pool, cfg.Length)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Level != nil {
		if err := targz.ValidateLevel(*cfg.Level); err != nil {
			return err
		}
	}
	if cfg.BatchSize < 0 {
		return invalid("batch_size must be >= 0, got %d", cfg.BatchSize)
	}
	if cfg.Workers < 1 {
		return invalid("workers must be >= 1, got %d", cfg.Workers)
	}
	if err := validatePartition(cfg.Partition); err != nil {
		return err
	}
	if cfg.Partition.End != nil && *cfg.Partition.End > sp.Count {
		return invalid("partition.end %d exceeds count %d", *cfg.Partition.End, sp.Count)
	}
	if cfg.Logging.Level != "" && !logLevels[strings.ToLower(cfg.Logging.Level)] {
		return invalid("logging.level %q not one of debug|info|warn|error", cfg.Logging.Level)
	}
	if cfg.Output.Name != "" {
		if _, err := contract.SafeArtifactID(cfg.Output.Name); err != nil {
			return fmt.Errorf("config: output.name: %w", err)
		}
	}
	if cfg.Output.URL != "" {
		if _, _, ok := ws3.ParseURL(cfg.Output.URL); !ok {
			return invalid("output.url %q is not s3://bucket[/prefix]", cfg.Output.URL)
		}
	}
	d := Defaults()
	if name := effName(cfg.Storage, d.Storage); registry.Storage[name] == nil {
		return invalid("storage %q not registered (have %v)", name, registry.Names(registry.Storage))
	}
	if name := effName(cfg.Encoder, d.Encoder); registry.Encoder[name] == nil {
		return invalid("encoder %q not registered (have %v)", name, registry.Names(registry.Encoder))
	}
	if name := writerName(cfg); registry.Writer[name] == nil {
		return invalid("writer %q not registered (have %v)", name, registry.Names(registry.Writer))
	}
	return nil
}

func validatePartition(p Partition) error {
	if p.Count < 1 {
		return invalid("partition.count must be >= 1, got %d", p.Count)
	}
	if p.Index != nil && (*p.Index < 0 || *p.Index >= p.Count) {
		return invalid("partition.index %d not in [0, %d)", *p.Index, p.Count)
	}
	if (p.Start == nil) != (p.End == nil) {
		return invalid("partition.start and partition.end must be given together")
	}
	if p.Start != nil && *p.Start > *p.End {
		return invalid("partition.start %d > partition.end %d", *p.Start, *p.End)
	}
	return nil
}

// Plan: 装配结果。
type Plan struct {
	Comp    pipeline.Components
	Jobs    []pipeline.Settings
	Workers int
	Space   enum.Space
	Storage string
}

// Assemble 校验后构造 Encoder/Store/后端工厂与分区任务。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (Plan, error) {
	if err := Validate(cfg); err != nil {
		return Plan{}, err
	}
	d := Defaults()
	sn := effName(cfg.Storage, d.Storage)
	en := effName(cfg.Encoder, d.Encoder)
	wn := writerName(cfg)

	pool, _ := contract.ParseNotePool(cfg.Notes)
	sp, _ := enum.NewSpace(pool, cfg.Length)

	enc, err := registry.Encoder[en](cfg.Options.Encoder)
	if err != nil {
		return Plan{}, fmt.Errorf("encoder %s: %w", en, err)
	}
	wraw, err := WriterOptions(cfg)
	if err != nil {
		return Plan{}, err
	}
	store, err := registry.Writer[wn](wraw)
	if err != nil {
		return Plan{}, fmt.Errorf("writer %s: %w", wn, err)
	}
	sraw, err := StorageOptions(cfg)
	if err != nil {
		return Plan{}, err
	}
	newStorage := registry.Storage[sn]
	comp := pipeline.Components{
		Encoder: enc,
		Store:   store,
		NewBackend: func(ctx context.Context, st contract.Store, id contract.ArtifactID, e contract.Encoder) (contract.Backend, error) {
			return newStorage(ctx, sraw, registry.StorageEnv{Store: st, ID: id, Encoder: e})
		},
	}

	jobs, err := Jobs(cfg, sp)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Comp: comp, Jobs: jobs, Workers: cfg.Workers, Space: sp, Storage: sn}, nil
}

// Jobs 按分区选择生成任务列表；仅校验过的配置可调用。
func Jobs(cfg Config, sp enum.Space) ([]pipeline.Settings, error) {
	sn := effName(cfg.Storage, Defaults().Storage)
	ext := registry.Ext[sn]
	base := BaseName(cfg)
	resume := cfg.Resume != nil && *cfg.Resume
	mk := func(r contract.Partition, parts int, id string) pipeline.Settings {
		return pipeline.Settings{
			Pool:       sp.Pool,
			Length:     sp.Length,
			Range:      r,
			Partitions: parts,
			Storage:    sn,
			Artifact:   contract.ArtifactID(id + ext),
			Manifest:   registry.IsArchive(sn),
			Resume:     resume,
		}
	}

	p := cfg.Partition
	if p.Start != nil {
		r := contract.Partition{Start: *p.Start, End: *p.End}
		return []pipeline.Settings{mk(r, 1, fmt.Sprintf("%s-r%d-%d", base, r.Start, r.End))}, nil
	}
	if p.Index != nil {
		r, err := partition.Nth(sp.Count, p.Count, *p.Index)
		if err != nil {
			return nil, err
		}
		return []pipeline.Settings{mk(r, p.Count, PartName(base, *p.Index, p.Count))}, nil
	}
	parts, err := partition.Split(sp.Count, p.Count)
	if err != nil {
		return nil, err
	}
	jobs := make([]pipeline.Settings, len(parts))
	for i, r := range parts {
		jobs[i] = mk(r, p.Count, PartName(base, i, p.Count))
	}
	return jobs, nil
}

// BaseName: 工件基名（output.name 或 atm-n<N>-l<L>）。
func BaseName(cfg Config) string {
	if cfg.Output.Name != "" {
		return string(contract.NormalizeArtifactID(cfg.Output.Name))
	}
	n := 0
	if pool, err := contract.ParseNotePool(cfg.Notes); err == nil {
		n = pool.Len()
	}
	return fmt.Sprintf("atm-n%d-l%d", n, cfg.Length)
}

// PartName: 单分区时为 base，否则为 base-p<i>of<K>。
func PartName(base string, index, count int) string {
	if count == 1 {
		return base
	}
	return fmt.Sprintf("%s-p%dof%d", base, index, count)
}

// StorageOptions 将顶层 level/batch_size 覆盖到 options.storage。
func StorageOptions(cfg Config) (json.RawMessage, error) {
	sn := effName(cfg.Storage, Defaults().Storage)
	set := map[string]any{}
	if cfg.Level != nil && (sn == "tar-gz" || sn == "batch") {
		set["level"] = *cfg.Level
	}
	if cfg.BatchSize > 0 && sn == "batch" {
		set["batch_size"] = cfg.BatchSize
	}
	return overlay(cfg.Options.Storage, set)
}

// WriterOptions 将 output.dir / output.url 覆盖到 options.writer。
func WriterOptions(cfg Config) (json.RawMessage, error) {
	set := map[string]any{}
	switch writerName(cfg) {
	case "fs":
		if cfg.Output.Dir != "" {
			set["output_dir"] = cfg.Output.Dir
		}
	case "s3":
		if u := s3URL(cfg); u != "" {
			set["url"] = u
		}
	}
	return overlay(cfg.Options.Writer, set)
}

// EstimateBuilder 返回估算器在内存 Store 上构造样本容器所用的后端工厂。
func EstimateBuilder(cfg Config) (estimate.Builder, error) {
	sn := effName(cfg.Storage, Defaults().Storage)
	raw, err := StorageOptions(cfg)
	if err != nil {
		return nil, err
	}
	b, ok := registry.Builder(sn, raw)
	if !ok {
		return nil, invalid("storage %q cannot be estimated (want one of tar|tar-gz|batch)", sn)
	}
	return b, nil
}

func overlay(raw json.RawMessage, set map[string]any) (json.RawMessage, error) {
	if len(set) == 0 {
		return cloneRaw(raw), nil
	}
	m := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, invalid("options: %v", err)
		}
	}
	for k, v := range set {
		m[k] = v
	}
	return json.Marshal(m)
}

func s3URL(cfg Config) string {
	if cfg.Output.URL != "" {
		return cfg.Output.URL
	}
	if ws3.IsURL(cfg.Output.Dir) {
		return cfg.Output.Dir
	}
	return ""
}

// writerName: output 指向对象存储时隐式选择 s3。
func writerName(cfg Config) string {
	if s3URL(cfg) != "" {
		return "s3"
	}
	return effName(cfg.Writer, Defaults().Writer)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
