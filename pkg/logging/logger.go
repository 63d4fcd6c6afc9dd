// Package logging 结构化日志
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	root      *slog.Logger // 未附加 component 的根日志器，供 Named 派生
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level" yaml:"level"`
	Format    string `json:"format" yaml:"format"` // json or text
	Output    string `json:"output" yaml:"output"` // stdout, stderr, or file path
	Component string `json:"component" yaml:"-"`
}

// ParseLevel 解析日志级别，未知值回退到 info
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	return NewWithWriter(output, cfg)
}

// NewWithWriter 使用指定输出创建日志器（测试中用于捕获日志）
func NewWithWriter(w io.Writer, cfg Config) *Logger {
	level := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	root := slog.New(handler)
	l := root
	if cfg.Component != "" {
		l = root.With(slog.String("component", cfg.Component))
	}
	return &Logger{
		Logger:    l,
		root:      root,
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Discard 丢弃所有输出的日志器
func Discard() *Logger {
	l := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Logger{Logger: l, root: l}
}

// Named 派生子组件日志器，例如 "sync.cache"
func (l *Logger) Named(component string) *Logger {
	name := component
	if l.component != "" {
		name = l.component + "." + component
	}
	return &Logger{
		Logger:    l.root.With(slog.String("component", name)),
		root:      l.root,
		component: name,
	}
}

// WithKey 添加缓存键
func (l *Logger) WithKey(key string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("cache_key", key)),
		root:      l.root,
		component: l.component,
	}
}

// WithState 添加连接状态
func (l *Logger) WithState(state string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("state", state)),
		root:      l.root,
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		root:      l.root,
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		root:      l.root,
		component: l.component,
	}
}

// HeartbeatLog 心跳日志
func (l *Logger) HeartbeatLog(status string, sincePong time.Duration, err error) {
	attrs := []any{
		slog.String("status", status),
		slog.Float64("since_pong_ms", float64(sincePong.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Heartbeat failed", attrs...)
	} else {
		l.Logger.Debug("Heartbeat sent", attrs...)
	}
}

// FetchLog 缓存拉取日志
func (l *Logger) FetchLog(key string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("cache_key", key),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Fetch failed", attrs...)
	} else {
		l.Logger.Debug("Fetch completed", attrs...)
	}
}
