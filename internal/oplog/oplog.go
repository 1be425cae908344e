// Package oplog writes the human-readable operator log, one file per job attempt.
package oplog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Log is an append-only operator log. Each line is "[RFC3339 timestamp] message".
type Log struct {
	mu   sync.Mutex
	f    *os.File
	path string
	now  func() time.Time
}

// FileName is the operator log name for one attempt of a job.
func FileName(token string, attempt int) string {
	return fmt.Sprintf("job_%s_%d.log", token, attempt)
}

// Open creates dir when needed and opens the attempt's log for appending.
func Open(dir, token string, attempt int) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	p := filepath.Join(dir, FileName(token, attempt))
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open operator log: %w", err)
	}
	return &Log{f: f, path: p, now: time.Now}, nil
}

func (l *Log) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Printf appends one line. Embedded newlines are flattened so every line keeps its prefix.
// Write errors are swallowed: the operator log never fails a job.
func (l *Log) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", " | ")
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = fmt.Fprintf(l.f, "[%s] %s\n", l.now().UTC().Format(time.RFC3339), msg)
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Purge removes operator logs in dir last modified before the cutoff.
func Purge(dir string, before time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read log dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "job_") || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(before) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return n, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		n++
	}
	return n, nil
}
