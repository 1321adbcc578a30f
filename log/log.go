package log

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"remote-x/config"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var base = logrus.New()

// Init 初始化客户端日志系统。
// 参数：
// - cfg: 日志配置（级别、输出、格式与文件滚动策略）
// 返回：
// - error: 初始化失败原因（如文件目录无法创建）
func Init(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	out, err := output(cfg)
	if err != nil {
		return err
	}
	base.SetLevel(level)
	base.SetFormatter(formatter(cfg.Format))
	base.SetOutput(out)

	base.ReplaceHooks(make(logrus.LevelHooks))
	base.AddHook(sessionHook{pid: os.Getpid()})
	return nil
}

// formatter 按 format 选择 JSON 或文本格式（默认文本）。
func formatter(format string) logrus.Formatter {
	if strings.EqualFold(format, "json") {
		return &logrus.JSONFormatter{TimestampFormat: timestampLayout}
	}
	return &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampLayout}
}

// output 按 output 选择写出端：
// - console: stderr（stdout 留给交互终端）
// - file: 滚动文件
// - both: stderr 与滚动文件
// - discard: 丢弃
func output(cfg config.LoggingConfig) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "file":
		return rolling(cfg)
	case "both":
		w, err := rolling(cfg)
		if err != nil {
			return nil, err
		}
		return io.MultiWriter(os.Stderr, w), nil
	case "discard":
		return io.Discard, nil
	default:
		return os.Stderr, nil
	}
}

func rolling(cfg config.LoggingConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    max(1, int(cfg.MaxSize.Int64()/(1024*1024))),
		MaxAge:     max(1, cfg.MaxAge),
		MaxBackups: 3,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

// L 返回底层 logrus Logger 指针（全局单例）。
func L() *logrus.Logger { return base }

// With 创建带字段的日志 Entry。
func With(fields logrus.Fields) *logrus.Entry { return base.WithFields(fields) }

// Component 返回带 component 字段的 Entry，供各管理器复用。
func Component(name string) *logrus.Entry { return base.WithField("component", name) }

// sessionHook 为每条日志补齐 pid/func/ts_ms（已显式设置的字段不覆盖）。
type sessionHook struct{ pid int }

func (h sessionHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h sessionHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["pid"]; !ok {
		e.Data["pid"] = h.pid
	}
	if _, ok := e.Data["func"]; !ok {
		if fn := caller(); fn != "" {
			e.Data["func"] = fn
		}
	}
	if _, ok := e.Data["ts_ms"]; !ok {
		e.Data["ts_ms"] = time.Now().UnixMilli()
	}
	return nil
}

// caller 返回 logrus 之外的第一个调用方函数名。
func caller() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.Contains(f.Function, "sirupsen/logrus") && !strings.HasSuffix(f.Function, "log.sessionHook.Fire") {
			return f.Function
		}
		if !more {
			return ""
		}
	}
}
