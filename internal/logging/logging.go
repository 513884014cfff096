// Package logging provides the structured logger used throughout the
// coordination core, matching the teacher's Logger interface shape
// (client.go) but backed by zap instead of being a caller-supplied
// no-op.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging interface every component depends
// on. It matches the teacher's Logger interface (Debug/Info/Warn/Error
// with a message and key-value pairs) so call sites read the same way.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a production-profile JSON logger at the given level
// ("debug", "info", "warn", "error"; defaults to "info" on bad input).
func New(level string) Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
	}
	return &zapLogger{sugar: logger.Sugar()}
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}

// NewDevelopment returns a human-readable console logger for local runs.
func NewDevelopment() Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return NewNop()
	}
	return &zapLogger{sugar: logger.Sugar()}
}

func (l *zapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *zapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

func (l *zapLogger) With(args ...any) Logger {
	return &zapLogger{sugar: l.sugar.With(args...)}
}
