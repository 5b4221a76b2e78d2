package artifact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const latestFile = "latest"

// FSStore writes artifacts as <dir>/<key>.png. The latest key is recorded in
// <dir>/latest so it survives restarts.
type FSStore struct {
	dir string
	mu  sync.Mutex
}

// NewFSStore creates dir if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("artifact directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *FSStore) Dir() string { return s.dir }

func (s *FSStore) path(key string) string {
	return filepath.Join(s.dir, key+".png")
}

// Put writes data atomically via a temporary file and rename.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeAtomic(s.dir, s.path(key), data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Keys are time ordered; an older key written late does not move latest.
	if cur, err := s.latestKey(); err == nil && cur > key {
		return nil
	}
	return writeAtomic(s.dir, filepath.Join(s.dir, latestFile), []byte(key))
}

func writeAtomic(dir, dst string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()
	cleanup := func() {
		if rmErr := os.Remove(name); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("Failed to remove temp file", "path", name, "error", rmErr)
		}
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(name, dst); err != nil {
		cleanup()
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

// Get reads the artifact for key.
func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

func (s *FSStore) latestKey() (string, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, latestFile))
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(raw))
	if err := checkKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// Latest returns the artifact named by the latest pointer.
func (s *FSStore) Latest(ctx context.Context) (string, []byte, error) {
	s.mu.Lock()
	key, err := s.latestKey()
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil, ErrNotFound
		}
		return "", nil, err
	}
	data, err := s.Get(ctx, key)
	if err != nil {
		return "", nil, err
	}
	return key, data, nil
}

// Close is a no-op.
func (s *FSStore) Close() error { return nil }
