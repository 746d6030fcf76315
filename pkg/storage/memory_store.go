package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBackend is an in-memory implementation of Backend.
type MemoryBackend struct {
	mu         sync.Mutex
	partitions map[string]Stores
	closed     atomic.Bool
}

// NewMemoryBackend creates a new MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		partitions: make(map[string]Stores),
	}
}

// Open returns the stores of partition, creating them on first use.
func (b *MemoryBackend) Open(_ context.Context, partition string) (Stores, error) {
	if b.closed.Load() {
		return Stores{}, ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if stores, ok := b.partitions[partition]; ok {
		return stores, nil
	}
	stores := Stores{
		Credentials: newMemoryStore(b, partition, KindCredentials),
		Cache:       newMemoryStore(b, partition, KindCache),
		Auth:        newMemoryStore(b, partition, KindAuth),
	}
	b.partitions[partition] = stores
	return stores, nil
}

// Close drops every partition. Outstanding handles return ErrClosed.
func (b *MemoryBackend) Close() error {
	b.closed.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitions = make(map[string]Stores)
	return nil
}

type memoryStore struct {
	backend   *MemoryBackend
	partition string
	kind      Kind

	mu      sync.RWMutex
	entries map[string]Entry
}

func newMemoryStore(backend *MemoryBackend, partition string, kind Kind) *memoryStore {
	return &memoryStore{
		backend:   backend,
		partition: partition,
		kind:      kind,
		entries:   make(map[string]Entry),
	}
}

func (s *memoryStore) key(origin, name string) string {
	return fmt.Sprintf("%s\x00%s", origin, name)
}

func (s *memoryStore) Partition() string { return s.partition }

func (s *memoryStore) Kind() Kind { return s.kind }

func (s *memoryStore) Get(_ context.Context, origin, name string) (Entry, error) {
	if s.backend.closed.Load() {
		return Entry{}, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[s.key(origin, name)]
	if !ok || entry.Expired(time.Now()) {
		return Entry{}, ErrNotFound
	}
	return cloneEntry(entry), nil
}

func (s *memoryStore) Put(_ context.Context, entry Entry) error {
	if s.backend.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry = cloneEntry(entry)
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	s.entries[s.key(entry.Origin, entry.Name)] = entry
	return nil
}

func (s *memoryStore) List(_ context.Context, origin string) ([]Entry, error) {
	if s.backend.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		if origin != "" && entry.Origin != origin {
			continue
		}
		if entry.Expired(now) {
			continue
		}
		out = append(out, cloneEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Origin != out[j].Origin {
			return out[i].Origin < out[j].Origin
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *memoryStore) DeleteWhere(_ context.Context, match func(Entry) bool) (int, error) {
	if s.backend.closed.Load() {
		return 0, ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, entry := range s.entries {
		if match(entry) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (s *memoryStore) Len(_ context.Context) (int, error) {
	if s.backend.closed.Load() {
		return 0, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func cloneEntry(e Entry) Entry {
	if len(e.Value) > 0 {
		e.Value = append([]byte(nil), e.Value...)
	}
	return e
}
