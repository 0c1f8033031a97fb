// Package logging provides the file-backed debug logger shared by omoi components.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DebugLogger writes timestamped, component-tagged lines to a log file.
// A nil logger, or one without a file, is a no-op.
type DebugLogger struct {
	sink      *sink
	component string
}

type sink struct {
	mu   sync.Mutex
	file *os.File
}

// NewDebugLogger creates a logger writing to the specified path.
// If the path is empty, returns a no-op logger.
// Creates parent directories if they don't exist.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := &DebugLogger{sink: &sink{file: f}}
	logger.Log("=== omoi debug log started at %s ===", time.Now().Format(time.RFC3339))

	return logger, nil
}

// NewDebugLoggerForDir creates a debug logger in dir/.omoi/logs.
// Returns a no-op logger if the directory cannot be created.
func NewDebugLoggerForDir(dir string) *DebugLogger {
	logger, err := NewDebugLogger(filepath.Join(dir, ".omoi", "logs", "omoi-debug.log"))
	if err != nil {
		return &DebugLogger{}
	}
	return logger
}

// NopLogger returns a no-op logger for testing or when logging is disabled.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// With returns a logger sharing the same file that prefixes every line with [component].
func (l *DebugLogger) With(component string) *DebugLogger {
	if l == nil {
		return nil
	}
	return &DebugLogger{sink: l.sink, component: component}
}

// Log writes a timestamped message to the debug log.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.sink == nil || l.sink.file == nil {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		msg = "[" + l.component + "] " + msg
	}
	timestamp := time.Now().Format("15:04:05.000")

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	fmt.Fprintf(l.sink.file, "[%s] %s\n", timestamp, msg)
	l.sink.file.Sync()
}

// Close closes the log file.
// Safe to call on nil logger or logger without file.
func (l *DebugLogger) Close() error {
	if l == nil || l.sink == nil || l.sink.file == nil {
		return nil
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.file.Close()
}

// RateLimited logs only every nth call per key, for warnings that can repeat in a tight loop.
type RateLimited struct {
	mu     sync.Mutex
	every  uint64
	counts map[string]uint64
}

// NewRateLimited creates a limiter logging the 1st, (n+1)th, (2n+1)th... occurrence.
func NewRateLimited(every uint64) *RateLimited {
	if every == 0 {
		every = 1
	}
	return &RateLimited{every: every, counts: make(map[string]uint64)}
}

// Log forwards to l when the per-key counter hits the sampling point and
// returns the running count.
func (r *RateLimited) Log(l *DebugLogger, key, format string, args ...interface{}) uint64 {
	r.mu.Lock()
	r.counts[key]++
	n := r.counts[key]
	r.mu.Unlock()

	if n%r.every == 1 || r.every == 1 {
		l.Log(format+" (total: %d)", append(args, n)...)
	}
	return n
}
