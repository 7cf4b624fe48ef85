// Package memory provides an in-memory cache.Storage backed by
// github.com/hashicorp/golang-lru/v2.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ggoodman/ucwa-go/cache"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxItems bounds the default store. Resource graphs for a single
// session stay far below this.
const DefaultMaxItems = 4096

var (
	_ cache.Storage = (*Storage)(nil)
	_ cache.Evicter = (*Storage)(nil)
)

// Storage implements cache.Storage in process memory. When full, the least
// recently used entry is evicted and reported to the evict handler.
type Storage struct {
	mu    sync.RWMutex
	items *lru.Cache[string, []byte]

	// explicit is set while Delete or Init remove entries so that only
	// capacity evictions are reported. Guarded by mu.
	explicit bool
	onEvict  func(id string)
}

// New creates an in-memory store holding at most maxItems entries. A
// non-positive maxItems selects DefaultMaxItems.
func New(maxItems int) (*Storage, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	s := &Storage{}
	items, err := lru.NewWithEvict[string, []byte](maxItems, s.evicted)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s.items = items
	return s, nil
}

// SetEvictHandler registers fn to receive ids evicted for capacity.
func (s *Storage) SetEvictHandler(fn func(id string)) {
	s.mu.Lock()
	s.onEvict = fn
	s.mu.Unlock()
}

// evicted runs inside lru calls, with mu held by the caller.
func (s *Storage) evicted(id string, _ []byte) {
	if s.explicit || s.onEvict == nil {
		return
	}
	s.onEvict(id)
}

// Init drops every stored entry.
func (s *Storage) Init(ctx context.Context) error {
	s.mu.Lock()
	s.explicit = true
	s.items.Purge()
	s.explicit = false
	s.mu.Unlock()
	return nil
}

// Create stores data under id.
func (s *Storage) Create(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items.Contains(id) {
		return cache.ErrExists
	}
	s.items.Add(id, clone(data))
	return nil
}

// Read returns a copy of the bytes stored under id.
func (s *Storage) Read(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.items.Get(id)
	s.mu.RUnlock()
	if !ok {
		return nil, cache.ErrNotFound
	}
	return clone(data), nil
}

// Update replaces the bytes stored under id.
func (s *Storage) Update(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.items.Contains(id) {
		return cache.ErrNotFound
	}
	s.items.Add(id, clone(data))
	return nil
}

// Delete removes id. Deleting a missing id is not an error at this layer.
func (s *Storage) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	s.explicit = true
	s.items.Remove(id)
	s.explicit = false
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored entries.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items.Len()
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
