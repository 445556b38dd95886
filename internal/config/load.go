package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix: 环境变量覆盖前缀。
const EnvPrefix = "ATM_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Notes/Length 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Storage:   "tar",
		Encoder:   "smf",
		Writer:    "fs",
		Output:    Output{Dir: "out"},
		Partition: Partition{Count: 1},
		Workers:   1,
		Logging:   Logging{Level: "info"},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile 按扩展名解析 .json / .yaml / .yml。
// YAML 先规整为 JSON 再走同一严格解码，保证两种格式的字段集合一致。
func LoadFile(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		raw, err := yamlToJSON(b)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
		return LoadJSON("", raw)
	default:
		return LoadJSON(path, nil)
	}
}

func yamlToJSON(b []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	norm, err := normalizeYAML(doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(norm)
}

// normalizeYAML 将 yaml 解码出的非字符串键映射转为 JSON 可编码形式。
func normalizeYAML(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			n, err := normalizeYAML(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("non-string key %v", k)
			}
			n, err := normalizeYAML(e)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case []any:
		for i, e := range t {
			n, err := normalizeYAML(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。零值与 nil 视为未覆盖。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.Notes); s != "" {
		out.Notes = s
	}
	if over.Length != 0 {
		out.Length = over.Length
	}
	if over.Storage != "" {
		out.Storage = over.Storage
	}
	if over.Encoder != "" {
		out.Encoder = over.Encoder
	}
	if over.Writer != "" {
		out.Writer = over.Writer
	}
	if over.Level != nil {
		out.Level = clonePtr(over.Level)
	}
	if over.BatchSize != 0 {
		out.BatchSize = over.BatchSize
	}

	if over.Output.Dir != "" {
		out.Output.Dir = over.Output.Dir
	}
	if over.Output.URL != "" {
		out.Output.URL = over.Output.URL
	}
	if over.Output.Name != "" {
		out.Output.Name = over.Output.Name
	}

	if over.Partition.Count != 0 {
		out.Partition.Count = over.Partition.Count
	}
	if over.Partition.Index != nil {
		out.Partition.Index = clonePtr(over.Partition.Index)
	}
	if over.Partition.Start != nil {
		out.Partition.Start = clonePtr(over.Partition.Start)
	}
	if over.Partition.End != nil {
		out.Partition.End = clonePtr(over.Partition.End)
	}

	if over.Workers != 0 {
		out.Workers = over.Workers
	}
	if over.Resume != nil {
		out.Resume = clonePtr(over.Resume)
	}
	if l := strings.TrimSpace(over.Logging.Level); l != "" {
		out.Logging.Level = l
	}
	if over.Estimate.SampleSize != 0 {
		out.Estimate.SampleSize = over.Estimate.SampleSize
	}
	if over.Estimate.RunLength != 0 {
		out.Estimate.RunLength = over.Estimate.RunLength
	}

	// Options（完整替换对应键）
	if len(over.Options.Encoder) > 0 {
		out.Options.Encoder = cloneRaw(over.Options.Encoder)
	}
	if len(over.Options.Storage) > 0 {
		out.Options.Storage = cloneRaw(over.Options.Storage)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 ATM_；无法解析的数值忽略；集合之外的键忽略（例如 ATM_S3_* 由 s3 writer 自行读取）。
// 支持：NOTES LENGTH STORAGE ENCODER WRITER LEVEL BATCH_SIZE OUTPUT_DIR OUTPUT_URL OUTPUT_NAME
// PARTITIONS PARTITION_INDEX WORKERS RESUME LOG_LEVEL SAMPLE_SIZE
// 以及 OPTIONS_{ENCODER,STORAGE,WRITER}_JSON（原样 JSON）。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	for _, kv := range environ {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) || len(key) == len(EnvPrefix) {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimPrefix(key, EnvPrefix) {
		case "NOTES":
			over.Notes = val
		case "LENGTH":
			if v, err := atoi(val); err == nil {
				over.Length = v
			}
		case "STORAGE":
			over.Storage = val
		case "ENCODER":
			over.Encoder = val
		case "WRITER":
			over.Writer = val
		case "LEVEL":
			if v, err := atoi(val); err == nil {
				over.Level = &v
			}
		case "BATCH_SIZE":
			if v, err := atoi(val); err == nil {
				over.BatchSize = v
			}
		case "OUTPUT_DIR":
			over.Output.Dir = val
		case "OUTPUT_URL":
			over.Output.URL = val
		case "OUTPUT_NAME":
			over.Output.Name = val
		case "PARTITIONS":
			if v, err := atoi(val); err == nil {
				over.Partition.Count = v
			}
		case "PARTITION_INDEX":
			if v, err := atoi(val); err == nil {
				over.Partition.Index = &v
			}
		case "WORKERS":
			if v, err := atoi(val); err == nil {
				over.Workers = v
			}
		case "RESUME":
			if v, err := strconv.ParseBool(val); err == nil {
				over.Resume = &v
			}
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "SAMPLE_SIZE":
			if v, err := atoi(val); err == nil {
				over.Estimate.SampleSize = v
			}
		case "OPTIONS_ENCODER_JSON":
			// 空值视为未设置，避免清空现有配置
			if val != "" {
				over.Options.Encoder = json.RawMessage(val)
			}
		case "OPTIONS_STORAGE_JSON":
			if val != "" {
				over.Options.Storage = json.RawMessage(val)
			}
		case "OPTIONS_WRITER_JSON":
			if val != "" {
				over.Options.Writer = json.RawMessage(val)
			}
		}
	}
	return over, nil
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	return bytes.Clone(in)
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
