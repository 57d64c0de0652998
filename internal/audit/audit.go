// Package audit writes the staging pipeline's append-only, JSON-lines
// event trail: one compact JSON object per line, never rewritten.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	fabricerrors "github.com/r3e-network/execfabric/infrastructure/errors"
	"github.com/r3e-network/execfabric/internal/domain/staging"
)

// Clock is injected for deterministic tests.
type Clock func() time.Time

// Writer appends audit events to a single JSON-lines file, one line per
// event, flushed immediately so a crash never loses a trailing partial
// write's predecessor.
type Writer struct {
	mu    sync.Mutex
	clock Clock
	path  string
	file  *os.File
}

// Open creates (or appends to) the audit log at path, creating parent
// directories as needed.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fabricerrors.IOFailed("mkdir-audit-dir", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fabricerrors.IOFailed("open-audit-log", err)
	}
	return &Writer{clock: time.Now, path: path, file: f}, nil
}

// SetClock overrides the time source; used by tests.
func (w *Writer) SetClock(c Clock) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clock = c
}

func (w *Writer) now() time.Time {
	if w.clock != nil {
		return w.clock()
	}
	return time.Now()
}

// Write appends one audit event as a single JSON line.
func (w *Writer) Write(kind staging.AuditEventKind, stagingID string, data map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	event := staging.AuditEvent{
		Epoch:     float64(now.UnixNano()) / 1e9,
		ISOTime:   now.UTC().Format(time.RFC3339Nano),
		Event:     kind,
		StagingID: stagingID,
		Data:      data,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fabricerrors.IOFailed("marshal-audit-event", err)
	}
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fabricerrors.IOFailed("write-audit-log", err)
	}
	return w.file.Sync()
}

// Path returns the audit log's file path.
func (w *Writer) Path() string { return w.path }

// Close releases the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadTrail replays every event recorded for one staging id (or every
// event, if stagingID is empty) and returns them newest-first. limit of
// 0 or less returns the full matching set.
func ReadTrail(path, stagingID string, limit int) ([]staging.AuditEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fabricerrors.IOFailed("open-audit-log", err)
	}
	defer f.Close()

	var out []staging.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event staging.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if stagingID == "" || event.StagingID == stagingID {
			out = append(out, event)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fabricerrors.IOFailed("scan-audit-log", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
