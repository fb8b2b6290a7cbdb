package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"codeforge/internal/artifact"
)

// executionLog appends one JSON line per request to spec §6.5's
// records/execution.log. Grounded on the teacher's audit logger
// (internal/logging/audit.go's mutex-guarded os.OpenFile(O_APPEND) file),
// but held as an instance field rather than a package-level singleton:
// this package carries no global mutable state (see package doc comment).
type executionLog struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// openExecutionLog opens (creating parent directories as needed) path for
// append-only writing and wraps it for line-delimited JSON encoding.
func openExecutionLog(path string) (*executionLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("orchestrator: create execution log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open execution log: %w", err)
	}
	return &executionLog{file: f, enc: json.NewEncoder(f)}, nil
}

// Append writes one Execution Record as a JSON line (spec §3.5/§6.5).
func (l *executionLog) Append(rec artifact.ExecutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(rec); err != nil {
		return fmt.Errorf("orchestrator: append execution record: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (l *executionLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
