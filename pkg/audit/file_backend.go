package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
)

// maxRecordSize bounds a single JSONL line.
const maxRecordSize = 4 << 20

// FileBackend stores one JSON record per line. Every append is followed by
// fsync before it is acknowledged.
type FileBackend struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// OpenFileBackend opens (or creates) the JSONL file at path for appending.
func OpenFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileBackend{path: path, f: f}, nil
}

func (b *FileBackend) Append(_ context.Context, _ int64, rec contracts.AuditRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}
	line = append(line, '\n')

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return errors.New("audit log is closed")
	}
	if _, err := b.f.Write(line); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	if err := b.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

func (b *FileBackend) Load(_ context.Context) ([]contracts.AuditRecord, error) {
	f, err := os.Open(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadJSONL(f)
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Close()
	b.f = nil
	return err
}

// Path returns the file the backend writes to.
func (b *FileBackend) Path() string { return b.path }

// ReadJSONL decodes an audit log. Blank lines are skipped; any line that does
// not decode yields a *CorruptRecordError naming its record index.
func ReadJSONL(r io.Reader) ([]contracts.AuditRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)

	var records []contracts.AuditRecord
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec contracts.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return records, &CorruptRecordError{Index: len(records), Err: err}
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, &CorruptRecordError{Index: len(records), Err: err}
	}
	return records, nil
}
