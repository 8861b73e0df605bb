package cache

import (
	"context"
	"sync"
	"time"
)

// TTLStore implements Store with time-based expiration
type TTLStore struct {
	mu         sync.RWMutex
	entries    map[string]*ttlEntry
	maxEntries int
	hits       int64
	misses     int64
	evictions  int64
	clock      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type ttlEntry struct {
	value    []byte
	expires  time.Time
	accessed time.Time
}

// NewTTLStore creates a new TTL store bounded to maxEntries. A background
// sweeper removes expired entries once a minute until Stop is called.
func NewTTLStore(maxEntries int) *TTLStore {
	s := &TTLStore{
		entries:    make(map[string]*ttlEntry),
		maxEntries: maxEntries,
		clock:      time.Now,
		stopCh:     make(chan struct{}),
	}

	go s.sweep()

	return s
}

// Get retrieves a value if present and not expired.
func (s *TTLStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists || s.clock().After(entry.expires) {
		s.misses++
		return nil, false
	}

	entry.accessed = s.clock()
	s.hits++
	return entry.value, true
}

// Set stores a value with the given TTL, evicting the least recently
// accessed entry when the store is full.
func (s *TTLStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxEntries {
		s.evictLRU()
	}

	now := s.clock()
	s.entries[key] = &ttlEntry{
		value:    value,
		expires:  now.Add(ttl),
		accessed: now,
	}
}

// Stats returns hit/miss accounting.
func (s *TTLStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Entries:   len(s.entries),
	}
}

// Stop shuts down the sweeper goroutine.
func (s *TTLStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// evictLRU removes the least recently accessed entry. Caller must hold the
// write lock.
func (s *TTLStore) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range s.entries {
		if oldestKey == "" || entry.accessed.Before(oldestTime) {
			oldestTime = entry.accessed
			oldestKey = key
		}
	}

	if oldestKey != "" {
		delete(s.entries, oldestKey)
		s.evictions++
	}
}

func (s *TTLStore) sweep() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

func (s *TTLStore) removeExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	for key, entry := range s.entries {
		if now.After(entry.expires) {
			delete(s.entries, key)
		}
	}
}
