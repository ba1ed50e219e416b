package verification

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type memoryEntry struct {
	entry Entry
	timer *time.Timer
}

// MemoryStore is an in-process Store. Each entry owns a timer that deletes
// it when the TTL elapses.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) Set(_ context.Context, key string, entry Entry, ttl time.Duration) bool {
	if key == "" {
		return false
	}
	ttl = effectiveTTL(ttl)
	entry.TTL = ttl
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		slog.Warn("verification: set on closed store", "key", key)
		return false
	}

	if prev, ok := s.entries[key]; ok {
		prev.timer.Stop()
	}

	me := &memoryEntry{entry: entry}
	// The timer only removes the entry it was armed for; a later Set installs
	// a new *memoryEntry and this callback becomes a no-op.
	me.timer = time.AfterFunc(ttl, func() { s.expire(key, me) })
	s.entries[key] = me

	slog.Debug("verification code stored", "key", key, "ttl", ttl)
	return true
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	me, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return me.entry, true
}

func (s *MemoryStore) Remove(_ context.Context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	me, ok := s.entries[key]
	if !ok {
		return false
	}
	me.timer.Stop()
	delete(s.entries, key)
	return true
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops every pending timer and drops all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, me := range s.entries {
		me.timer.Stop()
		delete(s.entries, key)
	}
	s.closed = true
	return nil
}

func (s *MemoryStore) expire(key string, me *memoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[key]; ok && cur == me {
		delete(s.entries, key)
		slog.Debug("verification code expired", "key", key)
	}
}
