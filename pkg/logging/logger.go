// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for the repair engine.
//
// The engine runs unattended for long stretches, so the logger writes to
// two destinations at once:
//
//   - stderr: human-readable text for interactive runs (CLI default)
//   - file: JSON lines under the engine's state directory for later audit
//
// A bounded in-memory ring of recent entries is also kept so the status
// dashboard can show the tail of the log without touching the filesystem.
//
// # Basic Usage
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.kairos/logs",
//	    Service: "engine",
//	})
//	defer logger.Close()
//	logger.Info("cycle started", "cycle_id", id)
//
// # Thread Safety
//
// Logger is safe for concurrent use. The underlying slog handlers are
// thread-safe and mutable state is protected by a mutex.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for recoverable issues (retries, degraded providers).
	LevelWarn

	// LevelError is for operation failures the system survives.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel bridges Level to the standard library.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures the Logger. The zero value logs Info+ to stderr as text.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the given directory. The file is
	// named "{Service}_{YYYY-MM-DD}.log" and is always JSON. Supports ~
	// expansion. Default: "" (file logging disabled).
	LogDir string

	// Service identifies the component and is attached to every entry.
	// Recommended values: "engine", "scheduler", "repairer", "cli".
	Service string

	// JSON switches stderr output from text to JSON. File output is
	// JSON regardless of this setting.
	JSON bool

	// Quiet disables stderr output. Useful for the daemon where only
	// the file and the ring are wanted.
	Quiet bool

	// RingSize bounds the recent-entry ring. 0 disables the ring.
	RingSize int
}

// Entry is one captured log record, as exposed by the recent-entry ring.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Service   string         `json:"service,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Logger wraps slog.Logger with multi-destination output and a bounded
// ring of recent entries for the status dashboard.
//
// Always call Close() on loggers with file logging enabled.
type Logger struct {
	slog   *slog.Logger
	config Config
	file   *os.File
	ring   *ringBuffer
	mu     sync.Mutex
}

// New creates a Logger from the given configuration.
//
// Inputs:
//   - config: Logger configuration. Zero value logs Info+ to stderr.
//
// Outputs:
//   - *Logger: Configured logger, never nil. File-open failures degrade
//     to stderr-only rather than erroring; unattended operation must not
//     die for want of a log file.
func New(config Config) *Logger {
	var handlers []slog.Handler

	opts := &slog.HandlerOptions{
		Level: config.Level.toSlogLevel(),
	}

	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(os.Stderr, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(os.Stderr, opts))
		}
	}

	logger := &Logger{config: config}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			service := config.Service
			if service == "" {
				service = "kairos"
			}
			name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
			file, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	if config.RingSize > 0 {
		logger.ring = newRingBuffer(config.RingSize, config.Service)
		handlers = append(handlers, logger.ring)
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns an Info-level, stderr-only logger for the "kairos" service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "kairos"})
}

// Debug logs a message at Debug level with key-value attributes.
func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }

// Info logs a message at Info level with key-value attributes.
func (l *Logger) Info(msg string, args ...any) { l.slog.Info(msg, args...) }

// Warn logs a message at Warn level with key-value attributes.
func (l *Logger) Warn(msg string, args ...any) { l.slog.Warn(msg, args...) }

// Error logs a message at Error level with key-value attributes.
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a child Logger carrying additional attributes. The parent
// is not modified; file handle and ring are shared.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		slog:   l.slog.With(args...),
		config: l.config,
		file:   l.file,
		ring:   l.ring,
	}
}

// Slog exposes the underlying slog.Logger for callers that need it.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Recent returns a copy of the most recent entries, oldest first.
// Returns nil when the ring is disabled.
func (l *Logger) Recent() []Entry {
	if l.ring == nil {
		return nil
	}
	return l.ring.entries()
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return fmt.Errorf("sync log file: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	l.file = nil
	return nil
}

// multiHandler fans out records to multiple slog handlers, enabling
// simultaneous text stderr and JSON file output.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// ringBuffer is an slog.Handler that retains the last N records in memory.
// The ring state is shared across WithAttrs clones so child loggers record
// into the same buffer.
type ringBuffer struct {
	state *ringState
	attrs []slog.Attr
}

type ringState struct {
	mu      sync.Mutex
	buf     []Entry
	next    int
	full    bool
	service string
}

func newRingBuffer(size int, service string) *ringBuffer {
	return &ringBuffer{state: &ringState{buf: make([]Entry, size), service: service}}
}

func (r *ringBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (r *ringBuffer) Handle(ctx context.Context, rec slog.Record) error {
	s := r.state
	entry := Entry{
		Timestamp: rec.Time,
		Level:     rec.Level.String(),
		Message:   rec.Message,
		Service:   s.service,
		Attrs:     make(map[string]any),
	}
	for _, a := range r.attrs {
		entry.Attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		entry.Attrs[a.Key] = a.Value.Any()
		return true
	})

	s.mu.Lock()
	s.buf[s.next] = entry
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

func (r *ringBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringBuffer{
		state: r.state,
		attrs: append(append([]slog.Attr{}, r.attrs...), attrs...),
	}
}

func (r *ringBuffer) WithGroup(name string) slog.Handler {
	return r
}

func (r *ringBuffer) entries() []Entry {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		out := make([]Entry, s.next)
		copy(out, s.buf[:s.next])
		return out
	}
	out := make([]Entry, 0, len(s.buf))
	out = append(out, s.buf[s.next:]...)
	out = append(out, s.buf[:s.next]...)
	return out
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
