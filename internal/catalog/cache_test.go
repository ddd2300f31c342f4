package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/observability"
	"github.com/askmesh/askmesh/internal/storage"
)

const testCatalog = `
tables:
  - table: requests
    description: 311 service requests
    metadata: metadata/requests.json
  - table: permits
    description: Building permits
    metadata: /shared/permits.json
`

func TestCatalogLoadsMetadataOnlyForSelectedTables(t *testing.T) {
	store := newMemoryStore(map[string]string{
		"v1/catalog.yaml":           testCatalog,
		"v1/metadata/requests.json": `{"columns":{"status":{"data_type":"text","unique_values":["open"]}}}`,
		"shared/permits.json":       `{"columns":{"kind":{"data_type":"text"}}}`,
	})
	source, err := NewStoreSource(store, "v1/catalog.yaml")
	if err != nil {
		t.Fatalf("NewStoreSource() error = %v", err)
	}
	cat := New(source, 10, observability.DiscardLogger())
	if cat.Ready() {
		t.Fatal("catalog should not be ready before Refresh")
	}
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if len(cat.Entries()) != 2 || cat.LoadedAt().IsZero() {
		t.Fatalf("Entries() = %#v", cat.Entries())
	}

	metadata, err := cat.Metadata(context.Background(), []string{"requests", "unknown"})
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if len(metadata) != 1 || metadata[0].Table != "requests" {
		t.Fatalf("Metadata() = %#v", metadata)
	}
	if store.gets("shared/permits.json") != 0 {
		t.Fatal("unselected table metadata should not be read")
	}

	if _, err := cat.Metadata(context.Background(), []string{"requests", "permits"}); err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if store.gets("v1/metadata/requests.json") != 1 {
		t.Fatalf("requests metadata read %d times, want 1", store.gets("v1/metadata/requests.json"))
	}
	if store.gets("shared/permits.json") != 1 {
		t.Fatal("absolute metadata reference should resolve from the store root")
	}
}

func TestCatalogMetadataReportsMissingDocuments(t *testing.T) {
	store := newMemoryStore(map[string]string{"catalog.yaml": testCatalog})
	source, _ := NewStoreSource(store, "catalog.yaml")
	cat := New(source, 10, observability.DiscardLogger())
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	metadata, err := cat.Metadata(context.Background(), []string{"requests"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Metadata() error = %v, want ErrNotFound", err)
	}
	if len(metadata) != 0 {
		t.Fatalf("Metadata() = %#v", metadata)
	}
}

func TestCatalogRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	store := newMemoryStore(map[string]string{"catalog.yaml": testCatalog})
	source, _ := NewStoreSource(store, "catalog.yaml")
	cat := New(source, 10, observability.DiscardLogger())
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	store.set("catalog.yaml", "tables: [")
	if err := cat.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if len(cat.Entries()) != 2 {
		t.Fatalf("Entries() after failed refresh = %#v", cat.Entries())
	}
}

func TestRefreshIfChangedSkipsUnchangedCatalog(t *testing.T) {
	store := newMemoryStore(map[string]string{
		"catalog.yaml":           testCatalog,
		"metadata/requests.json": `{"columns":{"status":{"data_type":"text"}}}`,
	})
	source, _ := NewStoreSource(store, "catalog.yaml")
	cat := New(source, 10, observability.DiscardLogger())
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, err := cat.Metadata(context.Background(), []string{"requests"}); err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}

	reloaded, err := cat.RefreshIfChanged(context.Background())
	if err != nil || reloaded {
		t.Fatalf("RefreshIfChanged() = %v, %v; want false, nil", reloaded, err)
	}
	if store.gets("catalog.yaml") != 1 {
		t.Fatalf("catalog read %d times, want 1", store.gets("catalog.yaml"))
	}
	if _, err := cat.Metadata(context.Background(), []string{"requests"}); err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if store.gets("metadata/requests.json") != 1 {
		t.Fatal("unchanged catalog should keep cached metadata")
	}

	store.set("catalog.yaml", "tables:\n  - table: requests\n    metadata: metadata/requests.json\n")
	reloaded, err = cat.RefreshIfChanged(context.Background())
	if err != nil || !reloaded {
		t.Fatalf("RefreshIfChanged() = %v, %v; want true, nil", reloaded, err)
	}
	if len(cat.Entries()) != 1 {
		t.Fatalf("Entries() = %#v", cat.Entries())
	}

	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if store.gets("catalog.yaml") != 3 {
		t.Fatalf("forced refresh should reload; catalog read %d times", store.gets("catalog.yaml"))
	}
}

func TestCatalogDeduplicatesConcurrentMetadataLoads(t *testing.T) {
	source := &slowSource{release: make(chan struct{})}
	cat := New(source, 10, observability.DiscardLogger())
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cat.Metadata(context.Background(), []string{"requests"}); err != nil {
				t.Errorf("Metadata() error = %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(source.release)
	wg.Wait()

	if got := source.loads.Load(); got != 1 {
		t.Fatalf("metadata loaded %d times, want 1", got)
	}
}

func TestSelectorDropsUnknownNames(t *testing.T) {
	generator := &stubGenerator{reply: `["permits", "made_up"]`}
	selected, err := NewSelector(generator).Select(context.Background(), "permits issued in 2023?", []Entry{
		{Table: "requests", Description: "311 requests"},
		{Table: "permits", Description: "Building permits"},
	})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if len(selected) != 1 || selected[0] != "permits" {
		t.Fatalf("Select() = %#v", selected)
	}
	if generator.temperature != 0 {
		t.Fatalf("temperature = %f", generator.temperature)
	}
}

func TestSelectorPropagatesGeneratorFailure(t *testing.T) {
	generator := &stubGenerator{err: &llm.ServiceError{Provider: "stub", Err: errors.New("down")}}
	if _, err := NewSelector(generator).Select(context.Background(), "q", []Entry{{Table: "requests"}}); err == nil {
		t.Fatal("expected selection error")
	}
	if _, err := NewSelector(nil).Select(context.Background(), "q", []Entry{{Table: "requests"}}); !errors.Is(err, llm.ErrNotConfigured) {
		t.Fatalf("Select() error = %v", err)
	}
}

type stubGenerator struct {
	reply       string
	err         error
	temperature float64
}

func (s *stubGenerator) Generate(_ context.Context, _ llm.Prompt, temperature float64) (string, error) {
	s.temperature = temperature
	return s.reply, s.err
}

type slowSource struct {
	release chan struct{}
	loads   atomic.Int32
}

func (s *slowSource) LoadEntries(context.Context) ([]Entry, error) {
	return []Entry{{Table: "requests", MetadataRef: "requests.json"}}, nil
}

func (s *slowSource) LoadMetadata(_ context.Context, entry Entry, _ int) (TableMetadata, error) {
	s.loads.Add(1)
	<-s.release
	return TableMetadata{Table: entry.Table}, nil
}

type memoryStore struct {
	mu        sync.Mutex
	objects   map[string]string
	reads     map[string]int
	revisions map[string]int
}

func newMemoryStore(objects map[string]string) *memoryStore {
	return &memoryStore{objects: objects, reads: map[string]int{}, revisions: map[string]int{}}
}

func (m *memoryStore) set(key, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	m.revisions[key]++
}

func (m *memoryStore) gets(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads[key]
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	m.reads[key]++
	return io.NopCloser(bytes.NewReader([]byte(body))), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(body)), ETag: fmt.Sprintf("rev-%d", m.revisions[key])}, nil
}
