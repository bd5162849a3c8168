package store

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/m-mizutani/goerr/v2"
)

// ErrEntryNotFound is returned when a hot-tier entry is missing or has expired.
var ErrEntryNotFound = goerr.New("hot tier entry not found")

// HotStore is the short-TTL tier of record for recent captures.
type HotStore interface {
	// Put stores an entry keyed by its message ID.
	Put(ctx context.Context, entry CapturedEntry) error

	// Get returns one unexpired entry, or ErrEntryNotFound.
	Get(ctx context.Context, id string) (CapturedEntry, error)

	// List returns every unexpired entry, in no particular order.
	List(ctx context.Context) ([]CapturedEntry, error)

	// Invalidate drops an entry. Missing entries are ignored.
	Invalidate(ctx context.Context, id string)

	// Link sets the entry's durable message ID if it is unset. It reports
	// whether the link was written; an already-linked entry is left untouched.
	Link(ctx context.Context, entryID, durableMessageID string) (bool, error)

	// Len returns the number of unexpired entries.
	Len() int
}

// Defaults for MemoryHotStore.
const (
	DefaultHotTTL      = 36 * time.Hour
	DefaultHotCapacity = 10000
)

// MemoryHotStore is an in-process HotStore backed by an expirable LRU.
// Entries are evicted after the TTL or when capacity is exceeded.
type MemoryHotStore struct {
	cache *expirable.LRU[string, *CapturedEntry]
	mu    sync.Mutex
}

// NewMemoryHotStore creates a hot store. Zero values pick the defaults.
func NewMemoryHotStore(capacity int, ttl time.Duration) *MemoryHotStore {
	if capacity <= 0 {
		capacity = DefaultHotCapacity
	}
	if ttl <= 0 {
		ttl = DefaultHotTTL
	}
	return &MemoryHotStore{
		cache: expirable.NewLRU[string, *CapturedEntry](capacity, nil, ttl),
	}
}

// Put stores a copy of the entry.
func (m *MemoryHotStore) Put(ctx context.Context, entry CapturedEntry) error {
	if entry.Message.ID == "" {
		return goerr.New("entry has no message id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := entry
	m.cache.Add(entry.Message.ID, &stored)
	return nil
}

// Get returns a copy of one entry.
func (m *MemoryHotStore) Get(ctx context.Context, id string) (CapturedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache.Get(id)
	if !ok {
		return CapturedEntry{}, goerr.Wrap(ErrEntryNotFound, "cannot get entry", goerr.V("entry_id", id))
	}
	return *entry, nil
}

// Invalidate removes an entry.
func (m *MemoryHotStore) Invalidate(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(id)
}

// List returns copies of all unexpired entries.
func (m *MemoryHotStore) List(ctx context.Context) ([]CapturedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := m.cache.Values()
	out := make([]CapturedEntry, 0, len(values))
	for _, v := range values {
		out = append(out, *v)
	}
	return out, nil
}

// Link writes the durable message ID once.
func (m *MemoryHotStore) Link(ctx context.Context, entryID, durableMessageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache.Peek(entryID)
	if !ok {
		return false, goerr.Wrap(ErrEntryNotFound, "cannot link entry", goerr.V("entry_id", entryID))
	}
	if entry.DurableMessageID != "" {
		return false, nil
	}
	entry.DurableMessageID = durableMessageID
	return true, nil
}

// Len returns the number of unexpired entries.
func (m *MemoryHotStore) Len() int {
	return m.cache.Len()
}
