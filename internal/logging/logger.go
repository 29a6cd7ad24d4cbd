package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// logFileMaxSizeMB is the size at which the log file is rotated.
	logFileMaxSizeMB = 20

	// logFileMaxBackups is the number of rotated files kept on disk.
	logFileMaxBackups = 3
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
func NewLogger(env string) *slog.Logger {
	return newLogger(env, os.Stdout)
}

// NewFileLogger behaves like NewLogger but also writes to a rotating log
// file at path. An empty path is equivalent to NewLogger.
func NewFileLogger(env, path string) *slog.Logger {
	return newLogger(env, withFile(os.Stdout, path))
}

// NewCommandLogger is for one-shot commands whose stdout carries data:
// it writes warnings and errors to stderr and the optional log file.
func NewCommandLogger(env, path string) *slog.Logger {
	logger := newLogger(env, withFile(os.Stderr, path))
	return slog.New(levelHandler{Handler: logger.Handler(), min: slog.LevelWarn})
}

func withFile(console io.Writer, path string) io.Writer {
	if path == "" {
		return console
	}

	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logFileMaxSizeMB,
		MaxBackups: logFileMaxBackups,
		Compress:   true,
	}

	return io.MultiWriter(console, rotator)
}

func newLogger(env string, w io.Writer) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// levelHandler raises the minimum level of the wrapped handler.
type levelHandler struct {
	slog.Handler
	min slog.Level
}

func (h levelHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= h.min && h.Handler.Enabled(ctx, l)
}

func (h levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelHandler{Handler: h.Handler.WithAttrs(attrs), min: h.min}
}

func (h levelHandler) WithGroup(name string) slog.Handler {
	return levelHandler{Handler: h.Handler.WithGroup(name), min: h.min}
}
