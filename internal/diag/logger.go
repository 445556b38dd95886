package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case Debug:
		return zapcore.DebugLevel
	case Warn:
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel 解析 debug|info|warn|error；未知值回落到 info。
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger 为结构化日志器：zap JSON 单行事件，写入按大小轮转的文件。
// 字段：level ts corr_id comp stage code dur_ms count artifact partition msg kv。
type Logger struct {
	corrID string
	z      *zap.Logger
	closer io.Closer
}

// NewCorrID 生成一次运行的关联 ID。
func NewCorrID() string { return uuid.NewString() }

// NewLogger 通过配置的 level 初始化，写入 logs/atmgen-current.txt，10 MiB 轮转。
// corrID 为空时自动生成。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(sink, corrID, level)
	l.closer = sink
	return l
}

// NewLoggerTo 将事件写到 w（测试与自定义输出）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	if corrID == "" {
		corrID = NewCorrID()
	}
	ws, ok := w.(zapcore.WriteSyncer)
	if !ok {
		ws = zapcore.AddSync(w)
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), ws, ParseLevel(level).zap())
	z := zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))).With(zap.String("corr_id", corrID))
	return &Logger{corrID: corrID, z: z}
}

// Nop 返回丢弃一切事件的日志器。
func Nop() *Logger { return &Logger{z: zap.NewNop()} }

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		LevelKey:       "level",
		TimeKey:        "ts",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout(time.RFC3339),
		EncodeDuration: zapcore.MillisDurationEncoder,
	}
}

// CorrID 返回关联 ID。
func (l *Logger) CorrID() string {
	if l == nil {
		return ""
	}
	return l.corrID
}

// Zap 暴露底层 zap 日志器（供 parallel 等按 context 取日志器的库使用）。
func (l *Logger) Zap() *zap.Logger {
	if l == nil || l.z == nil {
		return zap.NewNop()
	}
	return l.z
}

// Sync 刷新缓冲。
func (l *Logger) Sync() error {
	if l == nil || l.z == nil {
		return nil
	}
	return l.z.Sync()
}

// Close 刷新并关闭文件输出（若有）。
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	_ = l.Sync()
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Event 为标准事件结构。
type Event struct {
	Comp      string
	Stage     string // start|finish|warn|error
	Code      string
	DurMS     int64
	Count     int64
	Artifact  string
	Partition string
	Msg       string
	KV        map[string]string
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || l.z == nil {
		return
	}
	ce := l.z.Check(lv.zap(), ev.Msg)
	if ce == nil {
		return
	}
	fields := make([]zap.Field, 0, 9)
	fields = append(fields, zap.String("comp", ev.Comp), zap.String("stage", ev.Stage))
	if ev.Code != "" {
		fields = append(fields, zap.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		fields = append(fields, zap.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		fields = append(fields, zap.Int64("count", ev.Count))
	}
	if ev.Artifact != "" {
		fields = append(fields, zap.String("artifact", ev.Artifact))
	}
	if ev.Partition != "" {
		fields = append(fields, zap.String("partition", ev.Partition))
	}
	if len(ev.KV) > 0 {
		fields = append(fields, zap.Any("kv", ev.KV))
	}
	ce.Write(fields...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 artifact/partition 的 start。
func (l *Logger) StartWith(comp, msg, artifact, partition string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Artifact: artifact, Partition: partition, Msg: msg})
	return &Timer{l: l, comp: comp, artifact: artifact, partition: partition, t0: time.Now()}
}

// StartWithKV 记录带 artifact/partition 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, artifact, partition string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Artifact: artifact, Partition: partition, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, artifact: artifact, partition: partition, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg})
}

// ErrorWith 支持 artifact/partition。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, artifact, partition string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, Artifact: artifact, Partition: partition})
}

// ErrorWithKV 支持附带键值对（例如 rank、后端名）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, artifact, partition string, kv map[string]string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, Artifact: artifact, Partition: partition, KV: kv})
}

// WarnWith 记录可恢复的失败（单条追加失败后继续遍历）。
func (l *Logger) WarnWith(comp, code, msg, artifact, partition string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, Artifact: artifact, Partition: partition, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, artifact, partition string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", Artifact: artifact, Partition: partition, Msg: msg, KV: kv})
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l         *Logger
	comp      string
	artifact  string
	partition string
	t0        time.Time
}

// Began 返回起点时间。
func (t *Timer) Began() time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.t0
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Artifact: t.artifact, Partition: t.partition, Msg: msg})
}
