package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/askmesh/askmesh/internal/storage"
)

// Store serves catalog documents from a directory on disk.
type Store struct {
	root *os.Root
	dir  string
}

func New(dir string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open catalog dir %q: %w", dir, err)
	}
	return &Store{root: root, dir: dir}, nil
}

func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	normalized, err := storage.NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	file, err := s.root.Open(normalized)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("open %q: %w", normalized, err)
	}
	return file, nil
}

func (s *Store) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	normalized, err := storage.NormalizeKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.root.Stat(normalized)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.ObjectInfo{}, storage.ErrObjectNotFound
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat %q: %w", normalized, err)
	}
	return storage.ObjectInfo{
		Key:          normalized,
		Size:         info.Size(),
		ETag:         strconv.FormatInt(info.ModTime().UnixNano(), 36) + "-" + strconv.FormatInt(info.Size(), 36),
		LastModified: info.ModTime().UTC(),
	}, nil
}

func (s *Store) Close() error {
	return s.root.Close()
}
