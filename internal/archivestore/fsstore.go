package archivestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore is a filesystem-backed Store. cmd/eddist-server serves kako dat
// from it (rooted at --archive-dir); S3Store is the S3-backed alternative.
type FSStore struct {
	root string
}

// NewFSStore builds an FSStore rooted at dir, creating it if necessary.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archivestore: create root: %w", err)
	}
	return &FSStore{root: dir}, nil
}

func (f *FSStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FSStore) Get(ctx context.Context, boardKey string, threadNumber int64) ([]byte, error) {
	data, err := os.ReadFile(f.path(publicKey(boardKey, threadNumber)))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

func (f *FSStore) Put(ctx context.Context, boardKey string, threadNumber int64, data []byte) error {
	return f.write(publicKey(boardKey, threadNumber), data)
}

func (f *FSStore) PutAdmin(ctx context.Context, boardKey string, threadNumber int64, data []byte) error {
	return f.write(adminKey(boardKey, threadNumber), data)
}

func (f *FSStore) write(key string, data []byte) error {
	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}
