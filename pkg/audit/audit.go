// Package audit appends forensic records to line-delimited JSON files.
// Every line is RFC 8785 canonical JSON, so a record's bytes depend only on
// its values. Files are only ever appended to.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// Sovereign action statuses.
const (
	StatusExecuted = "executed"
	StatusRejected = "rejected"
	StatusDryRun   = "dry_run"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
	StatusNoop     = "noop"
)

// SovereignRecord is one sovereign action outcome.
type SovereignRecord struct {
	TS      string `json:"ts"`
	AgentID string `json:"agent_id"`
	RunID   string `json:"run_id,omitempty"`
	Cycle   int    `json:"cycle"`
	Action  string `json:"action"`
	Status  string `json:"status"`
	Detail  string `json:"detail"`
}

// HeartbeatRecord is one heartbeat cycle.
type HeartbeatRecord struct {
	Timestamp   string   `json:"timestamp"`
	HealthScore int      `json:"health_score"`
	Actions     []string `json:"actions"`
	Warnings    []string `json:"warnings"`
}

// Timestamp renders t the way audit records store it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Writer appends records to one JSONL file. It is safe for concurrent use.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter returns a Writer for path. The file and its directory are created
// on first append.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string { return w.path }

// Append writes one record as a canonical JSON line.
func (w *Writer) Append(record any) error {
	line, err := Canonical(record)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append audit record: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close audit file: %w", err)
	}
	return nil
}

// Canonical encodes record as RFC 8785 canonical JSON.
func Canonical(record any) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal audit record: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit record: %w", err)
	}
	return out, nil
}

// Tail returns up to n of the last lines of the file at path, oldest first.
// A missing file yields no lines.
func Tail(path string, n int) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	return tail(f, n)
}

func tail(r io.Reader, n int) ([]json.RawMessage, error) {
	if n <= 0 {
		return nil, nil
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	ring := make([]json.RawMessage, 0, n)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make(json.RawMessage, len(line))
		copy(cp, line)
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, cp)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read audit file: %w", err)
	}
	return ring, nil
}
