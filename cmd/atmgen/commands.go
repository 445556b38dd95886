package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	cfgpkg "atmgen/internal/config"
	"atmgen/internal/diag"
	"atmgen/internal/enum"
	"atmgen/internal/estimate"
	"atmgen/internal/partition"
	"atmgen/pkg/contract"
	"atmgen/pkg/registry"
	"atmgen/plugins/storage/targz"
)

// commonFlags: gen 与 estimate 共用的旗标。
type commonFlags struct {
	config    string
	notes     string
	length    int
	level     string
	batchSize int
	logLevel  string
}

func addCommonFlags(fs *pflag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.config, "config", "", "配置文件路径（.json/.yaml）；缺省读取 ATM_CONFIG_FILE 或 ./config.json（若存在）")
	fs.StringVar(&cf.notes, "notes", "", `音池，逗号分隔（"60,62,64" 或 "C4,D4,E4"）`)
	fs.IntVarP(&cf.length, "length", "l", 0, "旋律长度 L")
	fs.StringVar(&cf.level, "level", "", "压缩级别 0..9（tar-gz/batch）")
	fs.IntVar(&cf.batchSize, "batch-size", 0, "batch 变体每批旋律数")
	fs.StringVar(&cf.logLevel, "log-level", "", "日志级别 debug|info|warn|error")
	return cf
}

// overlay 将已显式给出的旗标转为 CLI 覆盖层。
func (cf *commonFlags) overlay(fs *pflag.FlagSet) (cfgpkg.Config, error) {
	var over cfgpkg.Config
	over.Notes = cf.notes
	over.Length = cf.length
	over.BatchSize = cf.batchSize
	over.Logging.Level = cf.logLevel
	if fs.Changed("level") {
		v, err := parseLevel(cf.level)
		if err != nil {
			return over, err
		}
		over.Level = &v
	}
	return over, nil
}

// parseLevel: 非整数或越界统一报 ErrInvalidCompressionLevel。
func parseLevel(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w (found %q)", contract.ErrInvalidCompressionLevel, s)
	}
	if err := targz.ValidateLevel(v); err != nil {
		return 0, err
	}
	return v, nil
}

// estimateReport: estimate --json 输出。
type estimateReport struct {
	Storage string `json:"storage"`
	Notes   []int  `json:"notes"`
	Length  int    `json:"length"`
	contract.Estimate
}

func runEstimate(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("estimate", pflag.ContinueOnError)
	cf := addCommonFlags(fs)
	flagSample := fs.Int("sample-size", 0, "采样条目数（压缩变体）")
	flagRun := fs.Int("run-length", 0, "每段连续 rank 的长度")
	flagJSON := fs.Bool("json", false, "以 JSON 输出")
	if ok, code := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() > 1 {
		fprintf(stderr, "estimate 仅接受一个存储变体参数，实得 %v\n", fs.Args())
		return diag.ExitUsage
	}

	cfg, err := layered(cf.config)
	if err != nil {
		fprintf(stderr, "配置解析失败: %v\n", err)
		return diag.ExitConfig
	}
	over, err := cf.overlay(fs)
	if err != nil {
		fprintf(stderr, "参数错误: %v\n", err)
		return diag.ExitConfig
	}
	if fs.NArg() == 1 {
		over.Storage = fs.Arg(0)
	}
	over.Estimate.SampleSize = *flagSample
	over.Estimate.RunLength = *flagRun
	cfg = cfgpkg.Merge(cfg, over)
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(stderr, "配置校验失败: %v\n", err)
		return diag.ExitCode(err)
	}

	est, err := estimateSize(ctx, cfg)
	if err != nil {
		fprintf(stderr, "估算失败: %v\n", err)
		return diag.ExitCode(err)
	}
	pool, _ := contract.ParseNotePool(cfg.Notes)
	if *flagJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(estimateReport{Storage: cfg.Storage, Notes: pool.Ints(), Length: cfg.Length, Estimate: est}); err != nil {
			fprintf(stderr, "输出失败: %v\n", err)
			return diag.ExitRuntime
		}
		return diag.ExitOK
	}
	kind := "精确"
	if !est.Exact {
		kind = "采样 " + humanize.Comma(int64(est.SampleSize))
	}
	fprintf(stdout, "%s | 音池 %d | 长度 %d | 旋律 %s | 大小 %s (%s 字节) | %s\n",
		cfg.Storage, pool.Len(), cfg.Length, humanize.Comma(int64(est.Entries)),
		humanize.IBytes(est.Bytes), humanize.Comma(int64(est.Bytes)), kind)
	return diag.ExitOK
}

// estimateSize: tar 走解析式计算，压缩变体走采样外推。
func estimateSize(ctx context.Context, cfg cfgpkg.Config) (contract.Estimate, error) {
	pool, err := contract.ParseNotePool(cfg.Notes)
	if err != nil {
		return contract.Estimate{}, err
	}
	enc, err := registry.Encoder[cfg.Encoder](cfg.Options.Encoder)
	if err != nil {
		return contract.Estimate{}, err
	}
	if cfg.Storage == "tar" {
		return estimate.Exact(ctx, pool, cfg.Length, enc)
	}
	build, err := cfgpkg.EstimateBuilder(cfg)
	if err != nil {
		return contract.Estimate{}, err
	}
	return estimate.Sampled(ctx, pool, cfg.Length, enc, build, &estimate.Options{
		SampleSize: cfg.Estimate.SampleSize,
		RunLength:  cfg.Estimate.RunLength,
	})
}

type partitionRow struct {
	Index int           `json:"index"`
	Start contract.Rank `json:"start"`
	End   contract.Rank `json:"end"`
	Count contract.Rank `json:"count"`
}

func runPartition(args []string) int {
	fs := pflag.NewFlagSet("partition", pflag.ContinueOnError)
	flagNotes := fs.String("notes", "", "音池（与 --n 二选一）")
	flagN := fs.Int("n", 0, "音池大小 N")
	flagLength := fs.IntP("length", "l", 0, "旋律长度 L")
	flagParts := fs.Int("partitions", 1, "分区总数 K")
	flagJSON := fs.Bool("json", false, "以 JSON 输出")
	if ok, code := parseFlags(fs, args); !ok {
		return code
	}
	n := *flagN
	if *flagNotes != "" {
		pool, err := contract.ParseNotePool(*flagNotes)
		if err != nil {
			fprintf(stderr, "音池解析失败: %v\n", err)
			return diag.ExitCode(err)
		}
		n = pool.Len()
	}
	if n == 0 || *flagLength == 0 {
		fprintf(stderr, "需要 --notes 或 --n，以及 --length\n")
		return diag.ExitUsage
	}
	count, err := enum.Count(n, *flagLength)
	if err != nil {
		fprintf(stderr, "计数失败: %v\n", err)
		return diag.ExitCode(err)
	}
	parts, err := partition.Split(count, *flagParts)
	if err != nil {
		fprintf(stderr, "分区失败: %v\n", err)
		return diag.ExitCode(err)
	}

	rows := make([]partitionRow, len(parts))
	for i, p := range parts {
		rows[i] = partitionRow{Index: i, Start: p.Start, End: p.End, Count: p.Len()}
	}
	if *flagJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return diag.ExitRuntime
		}
		return diag.ExitOK
	}
	fprintf(stdout, "总数 %s | 分区 %d\n", humanize.Comma(int64(count)), len(parts))
	for _, r := range rows {
		fprintf(stdout, "p%d\t[%d, %d)\t%s\n", r.Index, r.Start, r.End, humanize.Comma(int64(r.Count)))
	}
	return diag.ExitOK
}

func runInitConfig(args []string) int {
	fs := pflag.NewFlagSet("init-config", pflag.ContinueOnError)
	if ok, code := parseFlags(fs, args); !ok {
		return code
	}
	dir := "."
	if fs.NArg() > 0 {
		dir = strings.TrimSpace(fs.Arg(0))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", err)
		return diag.ExitConfig
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", err)
		return diag.ExitConfig
	}
	// 生成 .env 模板（不覆盖已存在文件）。
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return diag.ExitOK
}
