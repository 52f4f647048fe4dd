// Package audit provides the append-only JSON-line sink used by the webhook
// ingress. One record per line; retention is the operator's concern.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink appends one structured record per call.
type Sink interface {
	Write(record map[string]any) error
}

// FileSink writes JSON lines to a single file, serialized by a mutex.
type FileSink struct {
	mu   sync.Mutex
	f    *os.File
	now  func() time.Time
	path string
}

// NewFileSink opens (or creates) the audit log at path in append mode.
func NewFileSink(path string, now func() time.Time) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &FileSink{f: f, now: now, path: path}, nil
}

func (s *FileSink) Write(record map[string]any) error {
	if record == nil {
		record = map[string]any{}
	}
	if _, ok := record["ts"]; !ok {
		record["ts"] = s.now().UTC().Format(time.RFC3339Nano)
	}
	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Nop discards all records. Used in tests and when auditing is not
// configured.
type Nop struct{}

func (Nop) Write(map[string]any) error { return nil }
