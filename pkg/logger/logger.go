package logger

import (
	"errors"
	"fmt"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

// Logger is the logging surface every component depends on.
type Logger interface {
	With(args ...any) Logger

	Debugf(template string, args ...any)
	Infof(template string, args ...any)
	Warnf(template string, args ...any)
	Errorf(template string, args ...any)
	Fatalf(template string, args ...any)

	Sync() error
}

type ZapLogger struct {
	logger *zap.SugaredLogger
}

type LogLevel int

const (
	Debug LogLevel = iota
	Info
	Warn
	Error
)

// ParseLevel maps LOG_LEVEL values onto LogLevel, defaulting to Info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// NewZapLogger builds a production JSON logger writing to stdout. The returned
// func flushes buffered entries and should be deferred by the caller.
func NewZapLogger(level LogLevel) (*ZapLogger, func(), error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stdout"}

	switch level {
	case Debug:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case Info:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case Warn:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case Error:
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	logger := &ZapLogger{logger: l.Sugar()}

	syncFunc := func() {
		if err := logger.Sync(); err != nil && !errors.Is(err, syscall.EBADF) && !errors.Is(err, syscall.ENOTTY) {
			logger.Errorf("sync logger: %v", err)
		}
	}

	return logger, syncFunc, nil
}

// NewNop returns a logger that discards everything. Used by tests and as the
// default for components constructed without one.
func NewNop() *ZapLogger {
	return &ZapLogger{logger: zap.NewNop().Sugar()}
}

func (l *ZapLogger) With(args ...any) Logger {
	return &ZapLogger{logger: l.logger.With(args...)}
}

func (l *ZapLogger) Debugf(template string, args ...any) {
	l.logger.Debugf(template, args...)
}

func (l *ZapLogger) Infof(template string, args ...any) {
	l.logger.Infof(template, args...)
}

func (l *ZapLogger) Warnf(template string, args ...any) {
	l.logger.Warnf(template, args...)
}

func (l *ZapLogger) Errorf(template string, args ...any) {
	l.logger.Errorf(template, args...)
}

func (l *ZapLogger) Fatalf(template string, args ...any) {
	l.logger.Fatalf(template, args...)
}

func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}
