package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Notes: 音池，逗号分隔（"60,62,64" 或 "C4,D4,E4"）。
	Notes  string `json:"notes"`
	Length int    `json:"length"`

	// 组件名选择（注册表中的实现名）。
	Storage string `json:"storage"`
	Encoder string `json:"encoder"`
	Writer  string `json:"writer"`

	// Level: tar-gz/batch 压缩级别 0..9；nil 使用实现默认。
	Level *int `json:"level,omitempty"`
	// BatchSize: batch 变体每个内层归档的条目数；0 使用实现默认。
	BatchSize int `json:"batch_size,omitempty"`

	Output    Output    `json:"output"`
	Partition Partition `json:"partition"`
	// Workers: 同时执行的分区任务数。
	Workers int `json:"workers"`
	// Resume: 跳过清单已校验通过的分区。
	Resume *bool `json:"resume,omitempty"`

	Logging  Logging  `json:"logging"`
	Estimate Estimate `json:"estimate"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Output: 输出位置与工件基名。
type Output struct {
	// Dir: 文件系统输出根目录（fs writer）。
	Dir string `json:"dir"`
	// URL: 对象存储地址 s3://bucket/prefix（设置后使用 s3 writer）。
	URL string `json:"url,omitempty"`
	// Name: 工件基名；空则为 atm-n<N>-l<L>。
	Name string `json:"name,omitempty"`
}

// Partition: 分区选择。Start/End 显式给出时覆盖 Count/Index。
type Partition struct {
	Count int     `json:"count"`
	Index *int    `json:"index,omitempty"`
	Start *uint64 `json:"start,omitempty"`
	End   *uint64 `json:"end,omitempty"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Estimate: 采样估算参数。
type Estimate struct {
	SampleSize int `json:"sample_size,omitempty"`
	RunLength  int `json:"run_length,omitempty"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Encoder json.RawMessage `json:"encoder,omitempty"`
	Storage json.RawMessage `json:"storage,omitempty"`
	Writer  json.RawMessage `json:"writer,omitempty"`
}
