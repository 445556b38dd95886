package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/pflag"

	cfgpkg "atmgen/internal/config"
	"atmgen/internal/diag"
	"atmgen/internal/pipeline"
)

var pipelineRun = pipeline.RunPartitions

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

const usage = `atmgen: 枚举给定音池上全部不重复音高的旋律并写出归档

用法:
  atmgen gen {single|tar|tar-gz|batch} [flags]   生成旋律归档
  atmgen estimate {tar|tar-gz|batch} [flags]     预测归档大小（不生成）
  atmgen partition [flags]                       打印分区边界
  atmgen init-config [dir]                       生成 config.json 与 .env 模板（不覆盖）

配置优先级：CLI > ENV(ATM_*, .env) > 配置文件 > 默认值
退出码：0 成功；1 运行期失败；2 用法错误；3 配置/溢出/输入非法
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	if len(args) == 0 {
		fprintf(stderr, "%s", usage)
		return diag.ExitUsage
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "gen":
		return runGen(ctx, args[1:])
	case "estimate":
		return runEstimate(ctx, args[1:])
	case "partition":
		return runPartition(args[1:])
	case "init-config":
		return runInitConfig(args[1:])
	case "help", "-h", "--help":
		fprintf(stdout, "%s", usage)
		return diag.ExitOK
	default:
		fprintf(stderr, "未知子命令 %q\n\n%s", args[0], usage)
		return diag.ExitUsage
	}
}

// parseFlags: 解析失败按用法错误处理；-h 打印帮助。
func parseFlags(fs *pflag.FlagSet, args []string) (ok bool, code int) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, diag.ExitOK
		}
		return false, diag.ExitUsage
	}
	return true, 0
}

func runGen(ctx context.Context, args []string) int {
	start := time.Now()
	corrID := diag.NewCorrID()
	logLevel := "info"
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level
	logger := diag.NewLogger(corrID, logLevel)
	defer func() { _ = logger.Close() }()

	fs := pflag.NewFlagSet("gen", pflag.ContinueOnError)
	cf := addCommonFlags(fs)
	flagOut := fs.String("out", "", "输出目录或 s3://bucket/prefix")
	flagName := fs.String("name", "", "工件基名（缺省 atm-n<N>-l<L>）")
	flagPartitions := fs.Int("partitions", 0, "分区总数 K")
	flagPartition := fs.Int("partition", 0, "仅生成第 I 个分区（0 起）；缺省生成全部分区")
	flagStart := fs.Uint64("start", 0, "显式 rank 起点（与 --end 同用，覆盖分区选择）")
	flagEnd := fs.Uint64("end", 0, "显式 rank 终点（不含）")
	flagWorkers := fs.Int("workers", 0, "同时执行的分区数")
	flagResume := fs.Bool("resume", false, "跳过清单校验通过的分区")
	flagStatus := fs.Bool("status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	if ok, code := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() > 1 {
		fprintf(stderr, "gen 仅接受一个存储变体参数，实得 %v\n", fs.Args())
		return diag.ExitUsage
	}

	cfg, err := layered(cf.config)
	if err != nil {
		fprintf(stderr, "配置解析失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "first error", &start)
		return diag.ExitConfig
	}
	over, err := cf.overlay(fs)
	if err != nil {
		fprintf(stderr, "参数错误: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "first error", &start)
		return diag.ExitConfig
	}
	if fs.NArg() == 1 {
		over.Storage = fs.Arg(0)
	}
	if fs.Changed("out") {
		if strings.HasPrefix(*flagOut, "s3://") {
			over.Output.URL = *flagOut
		} else {
			over.Output.Dir = *flagOut
		}
	}
	over.Output.Name = *flagName
	over.Partition.Count = *flagPartitions
	over.Workers = *flagWorkers
	if fs.Changed("partition") {
		over.Partition.Index = flagPartition
	}
	if fs.Changed("start") {
		over.Partition.Start = flagStart
	}
	if fs.Changed("end") {
		over.Partition.End = flagEnd
	}
	if fs.Changed("resume") {
		over.Resume = flagResume
	}
	cfg = cfgpkg.Merge(cfg, over)

	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		logger.Error("config", string(diag.Classify(err)), "first error", &start)
		return diag.ExitCode(err)
	}

	// 使用最终配置中的日志级别重建 logger
	if l := strings.TrimSpace(cfg.Logging.Level); l != "" && l != logLevel {
		_ = logger.Close()
		logger = diag.NewLogger(corrID, l)
	}

	if err := preflightCheckOutputDir(cfg); err != nil {
		fprintf(stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "first error", &start)
		return diag.ExitConfig
	}

	plan, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fprintf(stderr, "装配失败: %v\n", err)
		logger.Error("config", string(diag.Classify(err)), "first error", &start)
		return diag.ExitCode(err)
	}

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(stderr, *flagStatus)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	var total uint64
	for _, j := range plan.Jobs {
		total += j.Range.Len()
	}
	term.RunStart(len(plan.Jobs), plan.Workers, plan.Storage, total)

	logger.DebugStart("config", "effective", "", "", map[string]string{
		"notes":      plan.Space.Pool.String(),
		"length":     fmt.Sprintf("%d", plan.Space.Length),
		"count":      fmt.Sprintf("%d", plan.Space.Count),
		"storage":    plan.Storage,
		"encoder":    cfg.Encoder,
		"writer":     cfg.Writer,
		"output_dir": cfg.Output.Dir,
		"output_url": cfg.Output.URL,
		"partitions": fmt.Sprintf("%d", cfg.Partition.Count),
		"jobs":       fmt.Sprintf("%d", len(plan.Jobs)),
		"workers":    fmt.Sprintf("%d", plan.Workers),
	})

	logger.Start("pipeline", "run")
	results, err := pipelineRun(ctx, plan.Comp, plan.Jobs, plan.Workers, logger)
	bytes, failed := summarize(results)
	if err != nil {
		code := string(diag.Classify(err))
		logger.Error("pipeline", code, "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(stderr, "运行失败: %v\n", err)
		}
		term.RunFinish(false, bytes, time.Since(start))
		return diag.ExitRuntime
	}
	logger.InfoFinish("pipeline", "run", start, int64(total-failed))
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, bytes, time.Since(start))
	if failed > 0 {
		fprintf(stderr, "提示：%d 条旋律写入失败（详见日志 corr_id=%s）\n", failed, logger.CorrID())
	}
	return diag.ExitOK
}

// summarize 汇总字节数（任一未知则为 -1）与失败条目数。
func summarize(results []pipeline.Result) (int64, uint64) {
	var bytes int64
	var failed uint64
	for _, r := range results {
		failed += r.Failed
		if r.Bytes < 0 || bytes < 0 {
			bytes = -1
			continue
		}
		bytes += r.Bytes
	}
	if len(results) == 0 {
		return -1, 0
	}
	return bytes, failed
}

// layered: Defaults < 配置文件 < ENV。
// 配置文件来源：--config，其次 ATM_CONFIG_FILE，再次工作目录下 config.json / config.yaml（若存在）。
func layered(path string) (cfgpkg.Config, error) {
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	if path == "" {
		for _, p := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	cfg := cfgpkg.Defaults()
	if path != "" {
		base, err := cfgpkg.LoadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	return cfgpkg.Merge(cfg, overEnv), nil
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = stderr.Write([]byte("\n"))
	return nil
}
