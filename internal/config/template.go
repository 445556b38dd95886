package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - C 大调五音音池、长度 4（120 条旋律，适合本地试跑）；
// - tar 容器写入 ./out，单分区单并发；
// - 选项列出当前组件的全部键，值为中性默认。
func DefaultTemplateConfig() Config {
	d := Defaults()
	resume := false
	cfg := Config{
		Notes:     "60,62,64,65,67",
		Length:    4,
		Storage:   d.Storage,
		Encoder:   d.Encoder,
		Writer:    d.Writer,
		Output:    Output{Dir: d.Output.Dir},
		Partition: d.Partition,
		Workers:   d.Workers,
		Resume:    &resume,
		Logging:   d.Logging,
		Estimate:  Estimate{SampleSize: 64, RunLength: 8},
	}
	cfg.Options.Encoder = json.RawMessage(`{
  "ticks_per_quarter": 96,
  "velocity": 100,
  "channel": 0
}`)
	// tar 仅有 mtime；切换到 tar-gz/batch 时可增加 level/batch_size。
	cfg.Options.Storage = json.RawMessage(`{
  "mtime": 0
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "output_dir": "out",
  "atomic": true,
  "flat": false,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536
}`)
	return cfg
}
