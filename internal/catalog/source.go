package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/askmesh/askmesh/internal/storage"
)

// Source reads the catalog document and metadata documents.
type Source interface {
	LoadEntries(ctx context.Context) ([]Entry, error)
	LoadMetadata(ctx context.Context, entry Entry, maxUniqueValues int) (TableMetadata, error)
}

// Versioned sources report a fingerprint of the catalog document so the
// refresh loop can skip reloads when nothing changed.
type Versioned interface {
	Version(ctx context.Context) (string, error)
}

// StoreSource reads both documents from an object reader. Metadata
// references are resolved relative to the catalog document's key.
type StoreSource struct {
	store      storage.ObjectReader
	catalogKey string
}

func NewStoreSource(store storage.ObjectReader, catalogKey string) (*StoreSource, error) {
	if store == nil {
		return nil, fmt.Errorf("object reader is required")
	}
	key, err := storage.NormalizeKey(catalogKey)
	if err != nil {
		return nil, fmt.Errorf("catalog key: %w", err)
	}
	return &StoreSource{store: store, catalogKey: key}, nil
}

func (s *StoreSource) LoadEntries(ctx context.Context) ([]Entry, error) {
	body, err := storage.ReadAll(ctx, s.store, s.catalogKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("catalog document %q: %w", s.catalogKey, ErrNotFound)
		}
		return nil, fmt.Errorf("read catalog document %q: %w", s.catalogKey, err)
	}
	return ParseDocument(body)
}

// Version returns the catalog document's ETag, or its size and
// modification time when the store does not supply one.
func (s *StoreSource) Version(ctx context.Context) (string, error) {
	info, err := s.store.Stat(ctx, s.catalogKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", fmt.Errorf("catalog document %q: %w", s.catalogKey, ErrNotFound)
		}
		return "", fmt.Errorf("stat catalog document %q: %w", s.catalogKey, err)
	}
	if info.ETag != "" {
		return info.ETag, nil
	}
	return fmt.Sprintf("%d@%d", info.Size, info.LastModified.UnixNano()), nil
}

func (s *StoreSource) LoadMetadata(ctx context.Context, entry Entry, maxUniqueValues int) (TableMetadata, error) {
	if entry.MetadataRef == "" {
		return TableMetadata{Table: entry.Table}, nil
	}
	key, err := storage.ResolveRelative(s.catalogKey, entry.MetadataRef)
	if err != nil {
		return TableMetadata{}, fmt.Errorf("metadata reference for %q: %w", entry.Table, err)
	}
	body, err := storage.ReadAll(ctx, s.store, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return TableMetadata{}, fmt.Errorf("metadata %q for %q: %w", key, entry.Table, ErrNotFound)
		}
		return TableMetadata{}, fmt.Errorf("read metadata %q: %w", key, err)
	}
	return ParseMetadata(entry.Table, body, maxUniqueValues)
}
