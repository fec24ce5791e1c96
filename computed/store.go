package computed

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store that does not hold a key.
var ErrNotFound = errors.New("computed: key not found")

// Store persists serialized artifacts beyond the lifetime of a Cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

type storeEntry struct {
	value   []byte
	expires time.Time
}

// MemoryStore is a Store in process memory whose entries expire after a
// TTL. A zero TTL keeps entries forever.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]storeEntry
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		items: map[string]storeEntry{},
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get returns a copy of the value at key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	if !ok || (!e.expires.IsZero() && s.now().After(e.expires)) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Put stores a copy of value at key.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	e := storeEntry{value: append([]byte(nil), value...)}
	if s.ttl > 0 {
		e.expires = s.now().Add(s.ttl)
	}
	s.items[key] = e
	return nil
}

func (s *MemoryStore) evictExpiredLocked() {
	now := s.now()
	for k, e := range s.items {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(s.items, k)
		}
	}
}
