package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// JSONLRecorder appends events to a file, one JSON object per line.
// Safe for concurrent use.
type JSONLRecorder struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
}

// NewJSONLRecorder opens (or creates) path in append-only mode with 0600
// permissions, creating the parent directory if needed.
func NewJSONLRecorder(path string, logger *slog.Logger) (*JSONLRecorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	return &JSONLRecorder{file: f, logger: logger}, nil
}

// Record serializes e and appends it. Marshal happens outside the lock.
func (r *JSONLRecorder) Record(ctx context.Context, e Event) error {
	e = Normalize(e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	data = append(data, '\n')

	r.mu.Lock()
	_, writeErr := r.file.Write(data)
	r.mu.Unlock()

	if writeErr != nil {
		return fmt.Errorf("writing audit event: %w", writeErr)
	}
	r.logger.DebugContext(ctx, "audit event logged",
		slog.String("kind", string(e.Kind)),
		slog.String("call_id", e.CallID),
		slog.String("status", e.Status),
	)
	return nil
}

// Close closes the underlying file.
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}

// ReadJSONL returns the last limit events of the log at path, oldest first.
// A missing file yields no events.
func ReadJSONL(path string, limit int) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		events = append(events, e)
		if limit > 0 && len(events) > limit {
			events = events[1:]
		}
	}
	if err := sc.Err(); err != nil {
		return events, fmt.Errorf("reading audit log %s: %w", path, err)
	}
	return events, nil
}
