package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 进程默认日志实例（Init 之后可用）
	Logger *logrus.Logger
	logMu  sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string // debug, info, warn, error
	OutputFile string // 为空则只输出到控制台
	MaxSize    int    // MB
	MaxBackups int
	MaxAge     int // 天
	Compress   bool
	// NoColor 输出到非终端（例如 TUI 旁路日志）时关闭颜色
	NoColor bool
}

func newFormatter(cfg Config) logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // yy-mm-dd HH:MM:ss
		ForceColors:     !cfg.NoColor,
		DisableColors:   cfg.NoColor,
	}
}

// New 构建一个日志实例：stdout，外加可选的按大小轮转文件
func New(cfg Config) (*logrus.Logger, error) {
	l := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	l.SetFormatter(newFormatter(cfg))

	writers := []io.Writer{os.Stdout}
	if cfg.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputFile), 0o755); err != nil {
			return nil, err
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.OutputFile,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}
	l.SetOutput(io.MultiWriter(writers...))
	return l, nil
}

// Init 构建日志实例并设为进程默认；logrus 全局输出同步指向它，
// 这样通过 logrus.WithField 创建的 entry 也写入同一文件
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	logMu.Lock()
	defer logMu.Unlock()
	logrus.SetOutput(l.Out)
	logrus.SetLevel(l.GetLevel())
	logrus.SetFormatter(newFormatter(cfg))
	Logger = l
	return nil
}

// Discard 丢弃所有输出的 entry，用于未注入日志的组件与测试
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func current() *logrus.Logger {
	logMu.Lock()
	defer logMu.Unlock()
	return Logger
}

func Debugf(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Debugf(format, args...)
	}
}

func Info(args ...interface{}) {
	if l := current(); l != nil {
		l.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Infof(format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Warnf(format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if l := current(); l != nil {
		l.Errorf(format, args...)
	}
}

// WithField Init 之前调用返回丢弃输出的 entry
func WithField(key string, value interface{}) *logrus.Entry {
	if l := current(); l != nil {
		return l.WithField(key, value)
	}
	return Discard().WithField(key, value)
}
