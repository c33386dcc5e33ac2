package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// FileStore writes gzip-compressed JSON snapshots with atomic replacement,
// so a crash mid-write never corrupts the last good snapshot.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}
}

// Save implements Store.
func (f *FileStore) Save(_ context.Context, s Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	gz := gzip.NewWriter(tmp)
	if err := json.NewEncoder(gz).Encode(s); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	if err := gz.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot: compress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close temp: %w", err)
	}

	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("snapshot: replace %s: %w", f.path, err)
	}

	f.logger.Debug("snapshot saved",
		zap.String("path", f.path),
		zap.Int("services", len(s.Services)))
	return nil
}

// Load implements Store.
func (f *FileStore) Load(_ context.Context) (Snapshot, error) {
	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: open %s: %w", f.path, err)
	}
	defer func() { _ = file.Close() }()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decompress %s: %w", f.path, err)
	}
	defer func() { _ = gz.Close() }()

	var s Snapshot
	if err := json.NewDecoder(gz).Decode(&s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode %s: %w", f.path, err)
	}
	return s, nil
}
