package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cfgpkg "atmgen/internal/config"
)

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export "。
// - 仅按首个 '=' 分割；key/value 去首尾空白。
// - 成对的单/双引号去除外层；双引号内 \n/\t/\r/\"/\\ 作最小转义处理。
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if !ok || key == "" {
			continue
		}
		val = unquote(val)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	q := val[0]
	if (q != '\'' && q != '"') || val[len(val)-1] != q {
		return val
	}
	val = val[1 : len(val)-1]
	if q == '"' {
		val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
	}
	return val
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# atmgen .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")

	b.WriteString("# 配置来源\n")
	b.WriteString("ATM_CONFIG_FILE=\n\n")

	b.WriteString("# 枚举空间\n")
	b.WriteString("ATM_NOTES=\n")
	b.WriteString("ATM_LENGTH=\n\n")

	b.WriteString("# 组件选择与输出\n")
	b.WriteString("ATM_STORAGE=\n")
	b.WriteString("ATM_ENCODER=\n")
	b.WriteString("ATM_WRITER=\n")
	b.WriteString("ATM_LEVEL=\n")
	b.WriteString("ATM_BATCH_SIZE=\n")
	b.WriteString("ATM_OUTPUT_DIR=\n")
	b.WriteString("ATM_OUTPUT_URL=\n")
	b.WriteString("ATM_OUTPUT_NAME=\n\n")

	b.WriteString("# 分区与并发\n")
	b.WriteString("ATM_PARTITIONS=\n")
	b.WriteString("ATM_PARTITION_INDEX=\n")
	b.WriteString("ATM_WORKERS=\n")
	b.WriteString("ATM_RESUME=\n")
	b.WriteString("ATM_LOG_LEVEL=\n")
	b.WriteString("ATM_SAMPLE_SIZE=\n\n")

	b.WriteString("# 组件 Options（原样 JSON）\n")
	b.WriteString("ATM_OPTIONS_ENCODER_JSON=\n")
	b.WriteString("ATM_OPTIONS_STORAGE_JSON=\n")
	b.WriteString("ATM_OPTIONS_WRITER_JSON=\n\n")

	b.WriteString("# S3 兼容对象存储（output.url = s3://bucket/prefix 时使用）\n")
	b.WriteString("ATM_S3_ENDPOINT=\n")
	b.WriteString("ATM_S3_ACCESS_KEY=\n")
	b.WriteString("ATM_S3_SECRET_KEY=\n")
	b.WriteString("ATM_S3_SECURE=\n")
	b.WriteString("ATM_S3_REGION=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir: fs writer 启动前检查输出目录可写性。
// - 目录已存在：尝试创建并删除临时文件。
// - 目录不存在：在父目录创建并删除临时目录。
// 其他 writer 跳过。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	w := cfg.Writer
	if w == "" {
		w = cfgpkg.Defaults().Writer
	}
	if w != "fs" || cfg.Output.URL != "" {
		return nil
	}
	raw, err := cfgpkg.WriterOptions(cfg)
	if err != nil {
		return err
	}
	var wopts struct {
		OutputDir string `json:"output_dir"`
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &wopts)
	}
	dir := strings.TrimSpace(wopts.OutputDir)
	if dir == "" || strings.HasPrefix(dir, "s3://") {
		// 未指定时无法可靠检查，让装配阶段按实现自行报错
		return nil
	}
	if st, err := os.Stat(dir); err == nil {
		if !st.IsDir() {
			return fmt.Errorf("路径存在但不是目录: %s", dir)
		}
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	parent := filepath.Dir(dir)
	pst, err := os.Stat(parent)
	if err != nil {
		return err
	}
	if !pst.IsDir() {
		return fmt.Errorf("父路径不是目录: %s", parent)
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	return os.RemoveAll(tmpd)
}
