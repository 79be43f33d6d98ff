package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// Options configures InitSlog
type Options struct {
	Dir   string // empty writes to stderr only
	JSON  bool
	Level string // debug, info, warn, error
}

// InitSlog initializes the slog-based logger
// If opts.JSON is true, logs are formatted as JSON for production
func InitSlog(opts Options) error {
	var writer io.Writer = os.Stderr

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return err
		}

		logFileName := "tether-" + time.Now().Format("2006-01-02") + ".log"
		logFilePath := filepath.Join(opts.Dir, logFileName)

		var err error
		logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writer = io.MultiWriter(os.Stderr, logFile)
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// ParseLevel maps a level name to a slog.Level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CloseSlog closes the slog log file
func CloseSlog() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the slog.Logger instance for structured logging
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

// WithContext returns a logger with context fields
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()

	if threadID := ctx.Value(ContextKeyThreadID); threadID != nil {
		logger = logger.With("thread_id", threadID)
	}
	if runID := ctx.Value(ContextKeyRunID); runID != nil {
		logger = logger.With("run_id", runID)
	}
	if toolCallID := ctx.Value(ContextKeyToolCallID); toolCallID != nil {
		logger = logger.With("tool_call_id", toolCallID)
	}

	return logger
}

// Context keys for structured logging
type contextKey string

const (
	ContextKeyThreadID   contextKey = "thread_id"
	ContextKeyRunID      contextKey = "run_id"
	ContextKeyToolCallID contextKey = "tool_call_id"
)

// WithThread returns a context carrying the thread id for log correlation
func WithThread(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ContextKeyThreadID, threadID)
}

// WithToolCall returns a context carrying the tool call id for log correlation
func WithToolCall(ctx context.Context, toolCallID string) context.Context {
	return context.WithValue(ctx, ContextKeyToolCallID, toolCallID)
}

// InfoContext logs an info message with context
func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

// ErrorContext logs an error with context
func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

// WarnContext logs a warning with context
func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}

// DebugContext logs debug info with context
func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}
