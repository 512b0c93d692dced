package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/firefart/dmarcpipeline/internal/dispatch"
)

// File appends dead letters to a JSON lines file.
type File struct {
	path string
	mu   sync.Mutex
}

type fileEntry struct {
	ID          string          `json:"id"`
	Sink        string          `json:"sink"`
	Reason      string          `json:"reason"`
	Kind        string          `json:"kind"`
	Fingerprint string          `json:"fingerprint"`
	Attempts    int             `json:"attempts"`
	Report      json.RawMessage `json:"report"`
	CreatedAt   time.Time       `json:"created_at"`
}

func NewFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("could not create dead letter directory: %w", err)
	}
	return &File{path: path}, nil
}

func (f *File) Store(_ context.Context, e dispatch.Entry) error {
	row, err := newDeadLetterRow(e)
	if err != nil {
		return err
	}
	b, err := json.Marshal(fileEntry{
		ID:          row.id,
		Sink:        row.sink,
		Reason:      row.reason,
		Kind:        row.kind,
		Fingerprint: row.fingerprint,
		Attempts:    row.attempts,
		Report:      row.payload,
		CreatedAt:   row.createdAt,
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	b = append(b, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	fp, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", f.path, err)
	}
	if _, err := fp.Write(b); err != nil {
		_ = fp.Close()
		return fmt.Errorf("could not write dead letter: %w", err)
	}
	// the entry must be on disk before the cursor moves past its item
	if err := fp.Sync(); err != nil {
		_ = fp.Close()
		return fmt.Errorf("could not sync dead letter file: %w", err)
	}
	return fp.Close()
}
