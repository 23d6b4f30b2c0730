package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
)

// FileBackend writes <execution_id>.json into a directory. Files are written
// to a temp name, fsynced and hard-linked into place so a reader never sees a
// partial file and a second writer for the same execution gets ErrExists.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create manifest dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(id string) string {
	return filepath.Join(b.dir, id+".json")
}

func (b *FileBackend) Put(_ context.Context, _ int64, m contracts.ExecutionManifest) (string, error) {
	final := b.path(m.ExecutionID)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(b.dir, "."+m.ExecutionID+".*.tmp")
	if err != nil {
		return "", err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	defer cleanup()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	// link(2) fails if final exists, unlike rename(2).
	if err := os.Link(tmp.Name(), final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, m.ExecutionID)
		}
		return "", err
	}
	if err := syncDir(b.dir); err != nil {
		return "", err
	}
	return final, nil
}

func (b *FileBackend) Get(_ context.Context, id string) (contracts.ExecutionManifest, error) {
	return readManifest(b.path(id))
}

func (b *FileBackend) List(_ context.Context) ([]contracts.ExecutionManifest, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var out []contracts.ExecutionManifest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		m, err := readManifest(filepath.Join(b.dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (b *FileBackend) Close() error { return nil }

func readManifest(path string) (contracts.ExecutionManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return contracts.ExecutionManifest{}, ErrNotFound
		}
		return contracts.ExecutionManifest{}, err
	}
	var m contracts.ExecutionManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return contracts.ExecutionManifest{}, fmt.Errorf("manifest %s is unreadable: %w", filepath.Base(path), err)
	}
	return m, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
