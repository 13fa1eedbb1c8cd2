// Package logger is the service's slog setup. Every line carries the
// service name; request and job ids ride along in the context so the
// capture path can log without threading loggers through every call.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	jobIDKey
)

type Logger struct {
	*slog.Logger
	file *os.File
}

type Config struct {
	// Level accepts anything slog.Level parses: debug, info, warn, error,
	// optionally with an offset such as "info+2". Empty means info.
	Level string
	// Format is json or text.
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// File, when set, receives a copy of every line. It is opened for
	// append and closed by Close.
	File string
	// Source adds the emitting file and line to every entry.
	Source  bool
	Service string
}

func New(cfg Config) (*Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	var file *os.File
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log file: %w", err)
		}
		file = f
		out = io.MultiWriter(out, f)
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.Source}
	var h slog.Handler
	switch cfg.Format {
	case "text":
		h = slog.NewTextHandler(out, opts)
	case "", "json":
		h = slog.NewJSONHandler(out, opts)
	default:
		if file != nil {
			file.Close()
		}
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	if cfg.Service != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	return &Logger{Logger: slog.New(h), file: file}, nil
}

// Close releases the log file, if any. Derived loggers share it, so only
// the root logger should be closed.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Discard drops everything. For tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With(key, value)}
}

func (l *Logger) WithRequestID(id string) *Logger { return l.with("request_id", id) }

func (l *Logger) WithJobID(id string) *Logger { return l.with("job_id", id) }

func (l *Logger) WithComponent(name string) *Logger { return l.with("component", name) }

func (l *Logger) FromContext(ctx context.Context) *Logger {
	out := l
	if id := RequestID(ctx); id != "" {
		out = out.WithRequestID(id)
	}
	if id := jobID(ctx); id != "" {
		out = out.WithJobID(id)
	}
	return out
}

// LogError logs err at error level, attributed to LogError's caller when
// Source is on.
func (l *Logger) LogError(ctx context.Context, msg string, err error, args ...any) {
	if err == nil {
		return
	}
	log := l.FromContext(ctx)
	if !log.Enabled(ctx, slog.LevelError) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), slog.LevelError, msg, pcs[0])
	r.Add(args...)
	r.AddAttrs(slog.String("error", err.Error()))
	_ = log.Handler().Handle(ctx, r)
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func ContextWithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func jobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey).(string)
	return id
}
