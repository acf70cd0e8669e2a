package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/markscan/markscan/internal/logger"
)

// LocalStore writes artifacts into a directory that the HTTP server exposes at /uploads/.
type LocalStore struct {
	dir     string
	baseURL string
	now     func() time.Time
}

// NewLocalStore creates dir if needed. baseURL is the externally visible server
// address without a trailing slash.
func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageError(fmt.Errorf("create artifact directory %s: %w", dir, err), BackendLocal, "init")
	}
	return &LocalStore{dir: dir, baseURL: baseURL, now: time.Now}, nil
}

// Dir returns the directory served at /uploads/.
func (s *LocalStore) Dir() string { return s.dir }

// Backend implements Store.
func (s *LocalStore) Backend() string { return BackendLocal }

// Store writes data to a new file. Existing files are never overwritten.
func (s *LocalStore) Store(ctx context.Context, data []byte, hint string) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}

	name := NewName(s.now(), hint)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) //nolint:gosec // name is generated and sanitized
	if err != nil {
		return Ref{}, storageError(fmt.Errorf("create %s: %w", name, err), BackendLocal, "upload")
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return Ref{}, storageError(fmt.Errorf("write %s: %w", name, err), BackendLocal, "upload")
	}
	if err := f.Close(); err != nil {
		return Ref{}, storageError(fmt.Errorf("close %s: %w", name, err), BackendLocal, "upload")
	}

	GetLogger().Debug("artifact stored",
		logger.String("backend", BackendLocal),
		logger.String("name", name),
		logger.Int("bytes", len(data)))

	return Ref{Name: name, URL: s.baseURL + "/uploads/" + name}, nil
}
