package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalStorage stores objects on the local filesystem under
// <root>/data/<hash> and <root>/outboard/<hash>.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates the namespace directories under root.
func NewLocalStorage(root string) (*LocalStorage, error) {
	for _, ns := range []string{"data", "outboard"} {
		if err := os.MkdirAll(filepath.Join(root, ns), 0700); err != nil {
			return nil, fmt.Errorf("failed to create object store directory: %w", err)
		}
	}
	return &LocalStorage{root: root}, nil
}

func (s *LocalStorage) path(namespace, hash string) string {
	return filepath.Join(s.root, namespace, hash)
}

func (s *LocalStorage) put(namespace, hash string, data []byte) error {
	// Content-addressed writes are safe to retry: write to a temp file and
	// rename so readers never observe a partial object.
	dst := s.path(namespace, hash)
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-"+hash+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize object: %w", err)
	}
	return nil
}

func (s *LocalStorage) get(namespace, hash string) ([]byte, error) {
	data, err := os.ReadFile(s.path(namespace, hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

func (s *LocalStorage) delete(namespace, hash string) error {
	err := os.Remove(s.path(namespace, hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

func (s *LocalStorage) PutData(_ context.Context, hash string, data []byte) error {
	return s.put("data", hash, data)
}

func (s *LocalStorage) GetData(_ context.Context, hash string) ([]byte, error) {
	return s.get("data", hash)
}

func (s *LocalStorage) DeleteData(_ context.Context, hash string) error {
	return s.delete("data", hash)
}

func (s *LocalStorage) PutOutboard(_ context.Context, hash string, data []byte) error {
	return s.put("outboard", hash, data)
}

func (s *LocalStorage) GetOutboard(_ context.Context, hash string) ([]byte, error) {
	return s.get("outboard", hash)
}

func (s *LocalStorage) DeleteOutboard(_ context.Context, hash string) error {
	return s.delete("outboard", hash)
}

func (s *LocalStorage) ListDataHashes(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "data"))
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	var hashes []string
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) == 0 || e.Name()[0] == '.' {
			continue
		}
		hashes = append(hashes, e.Name())
	}
	return hashes, nil
}
