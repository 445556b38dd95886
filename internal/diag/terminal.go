package diag

import (
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认 stderr）。
// - TTY: 单行 \r 覆盖；非 TTY: 关键节点分行打印。
// - 并发安全（多个分区并行上报）；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	workers    int
	storage    string
	partsTotal int
	partsDone  int
	total      uint64
	appended   uint64
	failed     uint64
	runStart   time.Time

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

var (
	termMu     sync.RWMutex
	globalTerm *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); globalTerm = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return globalTerm }

// NewTerminal 构造终端提示器。enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			t.isTTY = term.IsTerminal(int(f.Fd()))
		}
	}
	return t
}

// RunStart: 记录运行上下文（分区数、并发、存储变体、总条目）。
func (t *Terminal) RunStart(partitions, workers int, storage string, total uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.partsTotal, t.workers, t.storage, t.total = partitions, workers, storage, total
	t.partsDone, t.appended, t.failed = 0, 0, 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] %s | 分区 %d | 并发 %d | 旋律 %s",
		safe(storage), partitions, workers, humanize.Comma(int64(total))))
}

// PartitionStart: 非 TTY 打点一行。
func (t *Terminal) PartitionStart(artifact string, entries uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.isTTY {
		return
	}
	t.println(fmt.Sprintf("[part] %s | 条目 %s", shortenBase(artifact, 48), humanize.Comma(int64(entries))))
}

// Progress: 累加条目结果；TTY 下 ≥100ms 节流刷新。
func (t *Terminal) Progress(appended, failed uint64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.appended += appended
	t.failed += failed
	if !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(t.statusLine())
}

func (t *Terminal) statusLine() string {
	return fmt.Sprintf("[gen] 分区 %d/%d | 旋律 %s/%s | 失败 %s | 用时 %s",
		t.partsDone, t.partsTotal,
		humanize.Comma(int64(t.appended+t.failed)), humanize.Comma(int64(t.total)),
		humanize.Comma(int64(t.failed)), formatSince(t.runStart))
}

// PartitionFinish: 完成一个分区（立即换行）。
func (t *Terminal) PartitionFinish(artifact string, ok bool, appended uint64, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.partsDone++
	status := "done"
	if !ok {
		status = "fail"
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("[%s] %s | 条目 %s | 用时 %s",
		status, shortenBase(artifact, 48), humanize.Comma(int64(appended)), formatDur(dur)))
}

// RunFinish: 结束总览；bytes<0 表示未知。
func (t *Terminal) RunFinish(ok bool, bytes int64, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	size := "-"
	if bytes >= 0 {
		size = humanize.IBytes(uint64(bytes))
	}
	t.println(fmt.Sprintf("[%s] 全部完成 | 分区 %d/%d | 旋律 %s | 失败 %s | 大小 %s | 总用时 %s",
		tag, t.partsDone, t.partsTotal, humanize.Comma(int64(t.appended)),
		humanize.Comma(int64(t.failed)), size, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if t == nil || !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if t == nil || !t.enabled {
		return
	}
	// 新行比旧行短时以空格覆盖残留
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。工件标识以 '/' 分隔。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := path.Base(strings.TrimSpace(s))
	if base == "" || base == "." {
		return ""
	}
	if visLen(base) <= max {
		return base
	}
	cut := max - 1
	if cut < 1 {
		cut = 1
	}
	rs := []rune(base)
	return string(rs[:cut]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
