// Package logger holds the process-wide structured logger and the audit trail logger.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AuditPath   string
}

var (
	mu      sync.RWMutex
	base    *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
)

// Init replaces the global loggers. Logs default to stderr so command output on
// stdout stays machine readable.
func Init(cfg Config) error {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	writers := make([]io.Writer, 0, len(cfg.OutputPaths))
	var opened []io.Closer
	for _, path := range cfg.OutputPaths {
		w, c, err := openWriter(path)
		if err != nil {
			closeAll(opened)
			return err
		}
		if c != nil {
			opened = append(opened, c)
		}
		writers = append(writers, w)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	l := slog.New(handler)

	a := l.With("stream", "audit")
	if strings.TrimSpace(cfg.AuditPath) != "" {
		w, c, err := openWriter(cfg.AuditPath)
		if err != nil {
			closeAll(opened)
			return err
		}
		if c != nil {
			opened = append(opened, c)
		}
		a = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	mu.Lock()
	old := closers
	base, audit, closers = l, a, opened
	mu.Unlock()
	closeAll(old)
	return nil
}

// L returns the application logger.
func L() *slog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		return l
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Audit returns the append-only audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	a := audit
	mu.RUnlock()
	if a != nil {
		return a
	}
	return L().With("stream", "audit")
}

// Named returns a child logger tagged with a component name.
func Named(component string) *slog.Logger {
	return L().With("component", component)
}

// Discard is a logger that drops everything; handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Sync closes file outputs opened by Init.
func Sync() error {
	mu.Lock()
	old := closers
	closers = nil
	mu.Unlock()
	return closeAll(old)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(path)) {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr", "":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return f, f, nil
}

func closeAll(cs []io.Closer) error {
	var err error
	for _, c := range cs {
		err = errors.Join(err, c.Close())
	}
	return err
}
