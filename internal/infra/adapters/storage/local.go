package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/ports/adapter"
)

var _ adapter.ObjectStore = (*LocalStore)(nil)

// LocalStore writes results below a directory served at BaseURL. Meant for
// development and single-node setups.
type LocalStore struct {
	dir     string
	baseURL string
}

func NewLocalStore(dir, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *LocalStore) Dir() string { return s.dir }

func (s *LocalStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	// write then rename so readers never see a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", &domain.StorageError{Op: "put", Key: key, Err: err}
	}
	return s.baseURL + "/" + key, nil
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return errors.New("invalid key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return errors.New("invalid key")
		}
	}
	return nil
}
