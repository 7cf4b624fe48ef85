// Package cache provides the keyed resource cache shared by the channel,
// event and authentication components.
//
// The Cache tracks which ids have been created and refuses to read, update or
// delete anything else; there is no implicit creation on read. Documents are
// persisted as JSON through a pluggable Storage backend (see cache/memory and
// cache/redis).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ggoodman/ucwa-go/hal"
	"github.com/ggoodman/ucwa-go/internal/logctx"
	"github.com/google/uuid"
)

// MainID is the id under which the authenticated application root lives.
const MainID = "main"

var (
	// ErrNotFound is returned for operations on an id that was never created
	// (or has since been deleted).
	ErrNotFound = errors.New("cache: id not found")
	// ErrExists is returned when creating an id that already exists.
	ErrExists = errors.New("cache: id already exists")
	// ErrNoData is returned when create or update is called without data.
	ErrNoData = errors.New("cache: data is required")
)

// Storage is the minimal capability set a backend must provide. Backends
// store opaque bytes; the Cache owns id bookkeeping and encoding.
type Storage interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, id string, data []byte) error
	Read(ctx context.Context, id string) ([]byte, error)
	Update(ctx context.Context, id string, data []byte) error
	Delete(ctx context.Context, id string) error
}

// Evicter is implemented by backends that drop entries on their own, such as
// a size-bounded LRU. The handler receives each evicted id and must not call
// back into the backend.
type Evicter interface {
	SetEvictHandler(fn func(id string))
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogHandler sets the slog handler used for diagnostics.
func WithLogHandler(h slog.Handler) Option {
	return func(c *Cache) { c.log = logctx.NewLogger(h).With("component", "cache") }
}

// Cache is a keyed document store. It is safe for concurrent use; operations
// are serialized.
type Cache struct {
	mu    sync.Mutex
	store Storage
	ids   map[string]struct{}
	log   *slog.Logger

	// evictions may be appended while mu is held by a backend call.
	evictMu   sync.Mutex
	evictions []string
}

// New returns a Cache backed by store.
func New(store Storage, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.New("cache: storage is required")
	}
	c := &Cache{
		store: store,
		ids:   make(map[string]struct{}),
		log:   logctx.NewLogger(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	if ev, ok := store.(Evicter); ok {
		ev.SetEvictHandler(c.evicted)
	}
	return c, nil
}

func (c *Cache) evicted(id string) {
	c.evictMu.Lock()
	c.evictions = append(c.evictions, id)
	c.evictMu.Unlock()
}

// forgetEvicted drops ids the backend evicted since the last call. c.mu must
// be held.
func (c *Cache) forgetEvicted() {
	c.evictMu.Lock()
	evicted := c.evictions
	c.evictions = nil
	c.evictMu.Unlock()
	for _, id := range evicted {
		if _, ok := c.ids[id]; ok {
			delete(c.ids, id)
			c.log.Debug("cache.evicted", slog.String("id", id))
		}
	}
}

// Init initializes the backend and forgets every known id.
func (c *Cache) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetEvicted()
	if err := c.store.Init(ctx); err != nil {
		return fmt.Errorf("cache init: %w", err)
	}
	c.ids = make(map[string]struct{})
	return nil
}

// Create stores data under id. An empty id is replaced by a fresh random
// UUID. The id actually used is returned.
func (c *Cache) Create(ctx context.Context, id string, data hal.Document) (string, error) {
	if data == nil {
		return "", fmt.Errorf("create %q: %w", id, ErrNoData)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetEvicted()

	if id != "" {
		if _, ok := c.ids[id]; ok {
			c.log.DebugContext(ctx, "create rejected", slog.String("id", id))
			return "", fmt.Errorf("create %q: %w", id, ErrExists)
		}
	}
	for id == "" {
		candidate := uuid.NewString()
		if _, ok := c.ids[candidate]; !ok {
			id = candidate
		}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("create %q: encode: %w", id, err)
	}
	if err := c.store.Create(ctx, id, b); err != nil {
		return "", fmt.Errorf("create %q: %w", id, err)
	}
	c.ids[id] = struct{}{}
	return id, nil
}

// Read returns a fresh copy of the document stored under id.
func (c *Cache) Read(ctx context.Context, id string) (hal.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetEvicted()

	if _, ok := c.ids[id]; !ok {
		return nil, fmt.Errorf("read %q: %w", id, ErrNotFound)
	}
	b, err := c.store.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", id, err)
	}
	doc, err := hal.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", id, err)
	}
	return doc, nil
}

// Update replaces the document stored under id.
func (c *Cache) Update(ctx context.Context, id string, data hal.Document) (string, error) {
	if data == nil {
		return "", fmt.Errorf("update %q: %w", id, ErrNoData)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetEvicted()

	if _, ok := c.ids[id]; !ok {
		return "", fmt.Errorf("update %q: %w", id, ErrNotFound)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("update %q: encode: %w", id, err)
	}
	if err := c.store.Update(ctx, id, b); err != nil {
		return "", fmt.Errorf("update %q: %w", id, err)
	}
	return id, nil
}

// Delete removes id.
func (c *Cache) Delete(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetEvicted()

	if _, ok := c.ids[id]; !ok {
		return "", fmt.Errorf("delete %q: %w", id, ErrNotFound)
	}
	if err := c.store.Delete(ctx, id); err != nil {
		return "", fmt.Errorf("delete %q: %w", id, err)
	}
	delete(c.ids, id)
	return id, nil
}

// Has reports whether id is known.
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetEvicted()
	_, ok := c.ids[id]
	return ok
}

// IDs returns the known ids in sorted order.
func (c *Cache) IDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgetEvicted()
	out := make([]string, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Put creates id or, when it already exists, updates it.
func (c *Cache) Put(ctx context.Context, id string, data hal.Document) error {
	if c.Has(id) {
		_, err := c.Update(ctx, id, data)
		return err
	}
	_, err := c.Create(ctx, id, data)
	return err
}
