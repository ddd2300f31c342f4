package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

type state struct {
	version  uint64
	etag     string
	entries  []Entry
	byName   map[string]Entry
	loadedAt time.Time
	metadata sync.Map
}

// Catalog owns the read-only catalog snapshot. Refresh swaps in a new
// snapshot atomically; readers keep whichever snapshot they started with.
type Catalog struct {
	source          Source
	maxUniqueValues int
	logger          *slog.Logger

	current  atomic.Pointer[state]
	versions atomic.Uint64
	loads    singleflight.Group
}

func New(source Source, maxUniqueValues int, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{source: source, maxUniqueValues: maxUniqueValues, logger: logger}
}

// Refresh always reloads the catalog document and drops cached metadata.
func (c *Catalog) Refresh(ctx context.Context) error {
	etag, err := c.sourceVersion(ctx)
	if err != nil {
		return err
	}
	return c.reload(ctx, etag)
}

// RefreshIfChanged reloads only when the source reports a different
// version than the loaded snapshot. Sources without versions always reload.
func (c *Catalog) RefreshIfChanged(ctx context.Context) (bool, error) {
	etag, err := c.sourceVersion(ctx)
	if err != nil {
		return false, err
	}
	if current := c.current.Load(); current != nil && etag != "" && etag == current.etag {
		c.logger.Debug("catalog unchanged", "version", current.version, "etag", etag)
		return false, nil
	}
	return true, c.reload(ctx, etag)
}

func (c *Catalog) sourceVersion(ctx context.Context) (string, error) {
	versioned, ok := c.source.(Versioned)
	if !ok {
		return "", nil
	}
	return versioned.Version(ctx)
}

func (c *Catalog) reload(ctx context.Context, etag string) error {
	entries, err := c.source.LoadEntries(ctx)
	if err != nil {
		return err
	}
	next := &state{
		version:  c.versions.Add(1),
		etag:     etag,
		entries:  entries,
		byName:   make(map[string]Entry, len(entries)),
		loadedAt: time.Now().UTC(),
	}
	for _, entry := range entries {
		next.byName[strings.ToLower(entry.Table)] = entry
	}
	c.current.Store(next)
	c.logger.Info("catalog refreshed", "tables", len(entries), "version", next.version)
	return nil
}

// Entries returns the current catalog entries, or nil before the first
// successful Refresh.
func (c *Catalog) Entries() []Entry {
	current := c.current.Load()
	if current == nil {
		return nil
	}
	out := make([]Entry, len(current.entries))
	copy(out, current.entries)
	return out
}

func (c *Catalog) LoadedAt() time.Time {
	current := c.current.Load()
	if current == nil {
		return time.Time{}
	}
	return current.loadedAt
}

func (c *Catalog) Ready() bool {
	return c.current.Load() != nil
}

// Metadata loads metadata for the named tables only. Unknown names are
// skipped. Per-table failures are joined into the returned error alongside
// whatever did load.
func (c *Catalog) Metadata(ctx context.Context, tables []string) ([]TableMetadata, error) {
	current := c.current.Load()
	if current == nil {
		return nil, fmt.Errorf("catalog not loaded: %w", ErrNotFound)
	}

	out := make([]TableMetadata, 0, len(tables))
	var errs []error
	for _, name := range tables {
		entry, ok := current.byName[strings.ToLower(name)]
		if !ok {
			continue
		}
		metadata, err := c.loadMetadata(ctx, current, entry)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			errs = append(errs, err)
			continue
		}
		out = append(out, metadata)
	}
	return out, errors.Join(errs...)
}

func (c *Catalog) loadMetadata(ctx context.Context, current *state, entry Entry) (TableMetadata, error) {
	key := strings.ToLower(entry.Table)
	if cached, ok := current.metadata.Load(key); ok {
		return cached.(TableMetadata), nil
	}

	flightKey := fmt.Sprintf("%d/%s", current.version, key)
	ch := c.loads.DoChan(flightKey, func() (any, error) {
		loadCtx := context.WithoutCancel(ctx)
		metadata, err := c.source.LoadMetadata(loadCtx, entry, c.maxUniqueValues)
		if err != nil {
			return nil, err
		}
		current.metadata.Store(key, metadata)
		return metadata, nil
	})

	select {
	case <-ctx.Done():
		return TableMetadata{}, ctx.Err()
	case result := <-ch:
		if result.Err != nil {
			return TableMetadata{}, result.Err
		}
		return result.Val.(TableMetadata), nil
	}
}

// RunRefreshLoop checks for a changed catalog on every tick until ctx is
// done. Failures keep the previous snapshot.
func (c *Catalog) RunRefreshLoop(ctx context.Context, interval time.Duration, onResult func(error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := c.RefreshIfChanged(ctx)
			if err != nil {
				c.logger.Warn("catalog refresh failed", "error", err)
			}
			if onResult != nil {
				onResult(err)
			}
		}
	}
}
