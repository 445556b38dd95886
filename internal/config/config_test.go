package config

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"atmgen/internal/diag"
	"atmgen/internal/pipeline"
	"atmgen/pkg/contract"
)

func ptr[T any](v T) *T { return &v }

// 解析完整 JSON 配置
func TestLoadJSON(t *testing.T) {
	raw := []byte(`{
  "notes": "C4,D4,E4,F4",
  "length": 3,
  "storage": "tar-gz",
  "level": 9,
  "output": {"dir": "dist", "name": "scale"},
  "partition": {"count": 3},
  "workers": 2,
  "logging": {"level": "debug"},
  "options": {"storage": {"mtime": 1}}
}`)
	cfg, err := LoadJSON("", raw)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Notes != "C4,D4,E4,F4" || cfg.Length != 3 || cfg.Storage != "tar-gz" {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if cfg.Level == nil || *cfg.Level != 9 || cfg.Partition.Count != 3 || cfg.Workers != 2 {
		t.Fatalf("数值字段错误: %+v", cfg)
	}
	if string(cfg.Options.Storage) != `{"mtime": 1}` {
		t.Fatalf("options 应原样保留: %s", cfg.Options.Storage)
	}
	if err := Validate(Merge(Defaults(), cfg)); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// 含非法字段
func TestLoadJSONUnknown(t *testing.T) {
	if _, err := LoadJSON("", []byte(`{"unknown":1}`)); err == nil {
		t.Fatalf("应当返回错误")
	}
	if _, err := LoadJSON("", nil); err == nil {
		t.Fatalf("无配置来源应失败")
	}
}

// YAML 与 JSON 走同一严格解码
func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "atm.yaml")
	doc := `notes: "60,62,64"
length: 2
storage: batch
batch_size: 50
partition:
  count: 2
  index: 1
options:
  storage:
    mtime: 7
`
	if err := os.WriteFile(p, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(p)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Storage != "batch" || cfg.BatchSize != 50 || cfg.Partition.Index == nil || *cfg.Partition.Index != 1 {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	var st map[string]int
	if err := json.Unmarshal(cfg.Options.Storage, &st); err != nil || st["mtime"] != 7 {
		t.Fatalf("options.storage 错误: %s %v", cfg.Options.Storage, err)
	}

	bad := filepath.Join(dir, "bad.yml")
	if err := os.WriteFile(bad, []byte("workers: 1\nthreads: 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(bad); err == nil {
		t.Fatalf("YAML 未知字段应失败")
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(empty); err != nil {
		t.Fatalf("空 YAML 应视为空配置: %v", err)
	}

	js := filepath.Join(dir, "atm.json")
	if err := os.WriteFile(js, []byte(`{"notes":"60,61","length":1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if cfg, err := LoadFile(js); err != nil || cfg.Length != 1 {
		t.Fatalf("JSON 文件加载失败: %v %+v", err, cfg)
	}
}

// ENV 覆盖部分字段；无法解析的数值忽略
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"ATM_NOTES=60,62",
		"ATM_LENGTH=2",
		"ATM_STORAGE=tar-gz",
		"ATM_LEVEL=0",
		"ATM_WORKERS=x",
		"ATM_PARTITIONS=4",
		"ATM_PARTITION_INDEX=3",
		"ATM_RESUME=true",
		"ATM_OUTPUT_URL=s3://bucket/melodies",
		"ATM_OPTIONS_ENCODER_JSON={\"velocity\":80}",
		"ATM_OPTIONS_WRITER_JSON=",
		"ATM_S3_ENDPOINT=localhost:9000",
		"HOME=/root",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.Notes != "60,62" || over.Length != 2 || over.Storage != "tar-gz" {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	if over.Level == nil || *over.Level != 0 {
		t.Fatalf("level=0 应为显式覆盖: %v", over.Level)
	}
	if over.Workers != 0 {
		t.Fatalf("非法数值应忽略: %d", over.Workers)
	}
	if over.Partition.Count != 4 || *over.Partition.Index != 3 || !*over.Resume {
		t.Fatalf("分区/续跑覆盖错误: %+v", over.Partition)
	}
	if over.Output.URL != "s3://bucket/melodies" || string(over.Options.Encoder) != `{"velocity":80}` {
		t.Fatalf("输出/选项覆盖错误: %+v", over)
	}
	if over.Options.Writer != nil {
		t.Fatalf("空 JSON 值应视为未设置")
	}
}

// Merge: 零值不覆盖；指针与 RawMessage 复制
func TestMerge(t *testing.T) {
	base := Defaults()
	base.Notes = "60,61,62"
	base.Length = 2
	base.Options.Storage = json.RawMessage(`{"mtime":3}`)

	out := Merge(base, Config{Workers: 4, Level: ptr(1), Partition: Partition{Start: ptr[uint64](1), End: ptr[uint64](4)}})
	if out.Notes != "60,61,62" || out.Storage != "tar" || out.Workers != 4 || out.Partition.Count != 1 {
		t.Fatalf("合并结果错误: %+v", out)
	}
	if *out.Level != 1 || *out.Partition.Start != 1 || *out.Partition.End != 4 {
		t.Fatalf("指针字段错误: %+v", out)
	}

	src := json.RawMessage(`{"velocity":90}`)
	out = Merge(out, Config{Options: Options{Encoder: src}})
	src[2] = 'X'
	if string(out.Options.Encoder) != `{"velocity":90}` || string(out.Options.Storage) != `{"mtime":3}` {
		t.Fatalf("options 合并/复制错误: %s %s", out.Options.Encoder, out.Options.Storage)
	}
	if d := cloneRaw(nil); d != nil {
		t.Fatalf("空 RawMessage 应为 nil")
	}
}

func valid() Config {
	cfg := Defaults()
	cfg.Notes = "60,61,62,63"
	cfg.Length = 2
	return cfg
}

// Validate 错误分支与分类
func TestValidateErrors(t *testing.T) {
	if err := Validate(Config{}); !errors.Is(err, contract.ErrConfigInvalid) {
		t.Fatalf("空配置应为 ErrConfigInvalid: %v", err)
	}
	cases := []struct {
		name string
		mut  func(*Config)
		want error
	}{
		{"去重后不足长度", func(c *Config) { c.Notes = "60,60" }, contract.ErrInvalidInput},
		{"长度为零", func(c *Config) { c.Length = 0 }, contract.ErrConfigInvalid},
		{"长度超过音池", func(c *Config) { c.Length = 5 }, contract.ErrInvalidInput},
		{"计数溢出", func(c *Config) { c.Notes = fullRange(); c.Length = 20 }, contract.ErrOverflow},
		{"压缩级别", func(c *Config) { c.Level = ptr(10) }, contract.ErrInvalidCompressionLevel},
		{"批大小为负", func(c *Config) { c.BatchSize = -1 }, contract.ErrConfigInvalid},
		{"并发为零", func(c *Config) { c.Workers = 0 }, contract.ErrConfigInvalid},
		{"分区数为零", func(c *Config) { c.Partition.Count = 0 }, contract.ErrConfigInvalid},
		{"分区下标越界", func(c *Config) { c.Partition.Count = 2; c.Partition.Index = ptr(2) }, contract.ErrConfigInvalid},
		{"只给 start", func(c *Config) { c.Partition.Start = ptr[uint64](0) }, contract.ErrConfigInvalid},
		{"start 大于 end", func(c *Config) {
			c.Partition.Start = ptr[uint64](5)
			c.Partition.End = ptr[uint64](4)
		}, contract.ErrConfigInvalid},
		{"end 超出计数", func(c *Config) {
			c.Partition.Start = ptr[uint64](0)
			c.Partition.End = ptr[uint64](13)
		}, contract.ErrConfigInvalid},
		{"日志级别", func(c *Config) { c.Logging.Level = "trace" }, contract.ErrConfigInvalid},
		{"工件名逃逸", func(c *Config) { c.Output.Name = "../x" }, contract.ErrPathInvalid},
		{"对象存储地址", func(c *Config) { c.Output.URL = "http://bucket" }, contract.ErrConfigInvalid},
		{"未知存储", func(c *Config) { c.Storage = "zip" }, contract.ErrConfigInvalid},
		{"未知编码", func(c *Config) { c.Encoder = "wav" }, contract.ErrConfigInvalid},
		{"未知写入", func(c *Config) { c.Writer = "ftp" }, contract.ErrConfigInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mut(&cfg)
			err := Validate(cfg)
			if !errors.Is(err, tc.want) {
				t.Fatalf("期望 %v 实得 %v", tc.want, err)
			}
		})
	}
	if err := Validate(valid()); err != nil {
		t.Fatalf("合法配置校验失败: %v", err)
	}
}

func fullRange() string {
	b := []byte{}
	for i := 0; i < 128; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendInt(b, int64(i), 10)
	}
	return string(b)
}

// 分区任务命名与范围
func TestJobs(t *testing.T) {
	cfg := valid()
	cfg.Partition.Count = 3
	plan, err := Assemble(withMem(cfg))
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	if plan.Space.Count != 12 || plan.Storage != "tar" || len(plan.Jobs) != 3 {
		t.Fatalf("plan 错误: %+v", plan)
	}
	wantIDs := []string{"atm-n4-l2-p0of3.tar", "atm-n4-l2-p1of3.tar", "atm-n4-l2-p2of3.tar"}
	wantRanges := []contract.Partition{{Index: 0, Start: 0, End: 4}, {Index: 1, Start: 4, End: 8}, {Index: 2, Start: 8, End: 12}}
	for i, j := range plan.Jobs {
		if string(j.Artifact) != wantIDs[i] || j.Range != wantRanges[i] || !j.Manifest || j.Partitions != 3 {
			t.Fatalf("job %d 错误: %+v", i, j)
		}
	}

	cfg.Partition.Index = ptr(1)
	cfg.Output.Name = "scale"
	jobs, err := Jobs(cfg, plan.Space)
	if err != nil || len(jobs) != 1 || jobs[0].Artifact != "scale-p1of3.tar" || jobs[0].Range != wantRanges[1] {
		t.Fatalf("按下标选择错误: %v %+v", err, jobs)
	}

	cfg.Partition = Partition{Count: 1, Start: ptr[uint64](2), End: ptr[uint64](9)}
	cfg.Storage = "single"
	cfg.Resume = ptr(true)
	jobs, err = Jobs(cfg, plan.Space)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("显式范围错误: %v", err)
	}
	j := jobs[0]
	if j.Artifact != "scale-r2-9" || j.Range.Len() != 7 || j.Manifest || !j.Resume {
		t.Fatalf("显式范围任务错误: %+v", j)
	}

	if got := PartName("b", 0, 1); got != "b" {
		t.Fatalf("单分区命名错误: %s", got)
	}
}

func withMem(cfg Config) Config {
	cfg.Writer = "mem"
	return cfg
}

// 装配后的组件可直接运行
func TestAssembleRuns(t *testing.T) {
	cfg := valid()
	cfg.Storage = "tar-gz"
	cfg.Level = ptr(1)
	plan, err := Assemble(withMem(cfg))
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	if plan.Jobs[0].Artifact != "atm-n4-l2.tar.gz" {
		t.Fatalf("工件名错误: %s", plan.Jobs[0].Artifact)
	}
	res, err := pipeline.Run(context.Background(), plan.Comp, plan.Jobs[0], diag.Nop())
	if err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	if res.Appended != 12 || res.Failed != 0 || res.Bytes <= 0 {
		t.Fatalf("结果错误: %+v", res)
	}

	bad := valid()
	bad.Options.Storage = json.RawMessage(`{"compression":"max"}`)
	plan, err = Assemble(withMem(bad))
	if err != nil {
		t.Fatalf("存储选项在后端构造时才严格解析: %v", err)
	}
	if _, err := pipeline.Run(context.Background(), plan.Comp, plan.Jobs[0], diag.Nop()); err == nil {
		t.Fatalf("未知存储选项应失败")
	}

	enc := valid()
	enc.Options.Encoder = json.RawMessage(`{"tempo":120}`)
	if _, err := Assemble(withMem(enc)); err == nil {
		t.Fatalf("未知编码选项应失败")
	}
}

// 顶层 level/batch_size 与 output 覆盖到组件选项
func TestOptionsOverlay(t *testing.T) {
	cfg := valid()
	cfg.Storage = "batch"
	cfg.Level = ptr(3)
	cfg.BatchSize = 10
	cfg.Options.Storage = json.RawMessage(`{"mtime":5,"level":9}`)
	raw, err := StorageOptions(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var st map[string]int
	if err := json.Unmarshal(raw, &st); err != nil {
		t.Fatal(err)
	}
	if st["level"] != 3 || st["batch_size"] != 10 || st["mtime"] != 5 {
		t.Fatalf("存储选项覆盖错误: %s", raw)
	}

	cfg.Storage = "tar"
	raw, err = StorageOptions(cfg)
	if err != nil || string(raw) != `{"mtime":5,"level":9}` {
		t.Fatalf("tar 不应接收 level 覆盖: %s %v", raw, err)
	}

	cfg.Output.Dir = "dist"
	raw, err = WriterOptions(cfg)
	if err != nil || string(raw) != `{"output_dir":"dist"}` {
		t.Fatalf("fs 输出目录覆盖错误: %s %v", raw, err)
	}

	cfg.Output.URL = "s3://bucket/melodies"
	if writerName(cfg) != "s3" {
		t.Fatalf("设置 URL 时应隐式选择 s3")
	}
	raw, err = WriterOptions(cfg)
	if err != nil || string(raw) != `{"url":"s3://bucket/melodies"}` {
		t.Fatalf("s3 地址覆盖错误: %s %v", raw, err)
	}

	cfg.Output = Output{Dir: "s3://bucket"}
	if writerName(cfg) != "s3" || s3URL(cfg) != "s3://bucket" {
		t.Fatalf("s3:// 输出目录应视为对象存储")
	}

	cfg.Options.Writer = json.RawMessage(`[1]`)
	if _, err := WriterOptions(cfg); !errors.Is(err, contract.ErrConfigInvalid) {
		t.Fatalf("非对象 options 应失败: %v", err)
	}
}

func TestEstimateBuilder(t *testing.T) {
	cfg := valid()
	cfg.Storage = "single"
	if _, err := EstimateBuilder(cfg); !errors.Is(err, contract.ErrConfigInvalid) {
		t.Fatalf("single 不可估算: %v", err)
	}
	for _, s := range []string{"tar", "tar-gz", "batch"} {
		cfg.Storage = s
		if b, err := EstimateBuilder(cfg); err != nil || b == nil {
			t.Fatalf("%s 应可估算: %v", s, err)
		}
	}
}

// 模板可直接通过校验与装配
func TestDefaultTemplateConfig(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Output.Dir = t.TempDir()
	if err := Validate(cfg); err != nil {
		t.Fatalf("模板校验失败: %v", err)
	}
	plan, err := Assemble(cfg)
	if err != nil {
		t.Fatalf("模板装配失败: %v", err)
	}
	if plan.Space.Count != 120 || plan.Jobs[0].Artifact != "atm-n5-l4.tar" {
		t.Fatalf("模板 plan 错误: %+v", plan.Jobs)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := LoadJSON("", b); err != nil {
		t.Fatalf("模板应可回读: %v", err)
	}
	if BaseName(Config{Notes: "zz", Length: 2}) != "atm-n0-l2" {
		t.Fatalf("无效音池时基名应回落")
	}
}
