package logger

import (
	"context"
	"sync"
)

// LoggerContext accumulates attributes over the course of an operation so
// later log lines carry identifiers that were only learned part way through,
// such as the window being synced or the page offset.
type LoggerContext struct {
	mu     sync.Mutex
	logger *Logger
}

// NewLoggerContext wraps the given logger.
func NewLoggerContext(l *Logger) *LoggerContext { return &LoggerContext{logger: l} }

// Add attaches key/value pairs to all subsequent records.
func (lc *LoggerContext) Add(args ...any) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.logger = lc.logger.With(args...)
}

// Logger returns the logger with every attribute added so far.
func (lc *LoggerContext) Logger() *Logger {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.logger
}

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.Logger().write(ctx, LevelDebug, 3, msg, args...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.Logger().write(ctx, LevelInfo, 3, msg, args...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.Logger().write(ctx, LevelWarn, 3, msg, args...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.Logger().write(ctx, LevelError, 3, msg, args...)
}
