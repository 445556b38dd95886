package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	logPrefix  = "atmgen-"
	logCurrent = logPrefix + "current.txt"
	// DefaultLogBytes: 单个日志文件上限。
	DefaultLogBytes = 10 << 20
	// DefaultLogKeep: 保留的已轮转文件数。
	DefaultLogKeep = 8
)

// RotatingFile: zap 的 WriteSyncer，按大小轮转 dir/atmgen-current.txt。
// 超限时当前文件改名为 atmgen-<UTC 纳秒时间戳>.txt，仅保留最新的 keep 个。
type RotatingFile struct {
	dir      string
	maxBytes int64
	keep     int

	mu   sync.Mutex
	f    *os.File
	size int64
}

var _ zapcore.WriteSyncer = (*RotatingFile)(nil)

// NewRotatingFile: maxBytes <= 0 使用 DefaultLogBytes。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = DefaultLogBytes
	}
	return &RotatingFile{dir: dir, maxBytes: maxBytes, keep: DefaultLogKeep}
}

// Write 写入一条已编码事件（zap 已附带换行）。
func (w *RotatingFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		return 0, err
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

// WriteLine 写入 b 并补换行。
func (w *RotatingFile) WriteLine(b []byte) error {
	_, err := w.Write(append(slices.Clip(b), '\n'))
	return err
}

func (w *RotatingFile) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(w.dir, logCurrent), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f, w.size = f, 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	cur := w.f.Name()
	_ = w.f.Close()
	w.f = nil
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	if err := os.Rename(cur, filepath.Join(w.dir, logPrefix+ts+".txt")); err != nil {
		return fmt.Errorf("rotate %s: %w", cur, err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出 keep 的最旧轮转文件（时间戳名按字典序即时间序）。
func (w *RotatingFile) prune() {
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var rotated []string
	for _, e := range ents {
		n := e.Name()
		if n != logCurrent && strings.HasPrefix(n, logPrefix) && strings.HasSuffix(n, ".txt") {
			rotated = append(rotated, n)
		}
	}
	if len(rotated) <= w.keep {
		return
	}
	slices.Sort(rotated)
	for _, n := range rotated[:len(rotated)-w.keep] {
		_ = os.Remove(filepath.Join(w.dir, n))
	}
}

func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
