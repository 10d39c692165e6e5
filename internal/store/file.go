package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"streamrelay/internal/job"
)

// DefaultFileName is the snapshot file created inside the data directory.
const DefaultFileName = "sessions.json"

// FileConfig configures the JSON file backend.
type FileConfig struct {
	Path string `mapstructure:"path"`
}

// FileStore keeps the snapshot in a single JSON document on disk. Writes go
// to a temporary file in the same directory which is synced and renamed over
// the document, so readers see either the old or the new snapshot.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore prepares the parent directory of cfg.Path.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("store file path is required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{path: abs}, nil
}

// Path returns the snapshot location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(context.Context) (map[string]job.Spec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]job.Spec), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store file: %w", err)
	}
	return decodeSnapshot(data)
}

func (s *FileStore) Save(_ context.Context, specs map[string]job.Spec) error {
	data, err := encodeSnapshot(specs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	tmpFile, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("write store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports whether the snapshot directory is still reachable.
func (s *FileStore) Ping(context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
