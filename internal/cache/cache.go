// Package cache implements an in-memory key/value store with per-store TTL
// and lazy expiry. Each topic poller owns one Store; nothing else writes it.
package cache

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pmahler/btcdash/internal/metrics"
)

// Store caches raw JSON payloads keyed by topic key (symbol or user id).
// An expired entry is treated as absent on read; it is only deleted by the
// periodic eviction sweep, never eagerly.
type Store struct {
	mu      sync.RWMutex
	topic   string
	entries map[string]*entry
	ttl     time.Duration
	clock   clockwork.Clock
}

type entry struct {
	payload   json.RawMessage
	writtenAt time.Time
}

// New creates a store whose entries stay fresh for ttl after each write.
func New(topic string, ttl time.Duration, clock clockwork.Clock) *Store {
	return &Store{
		topic:   topic,
		entries: make(map[string]*entry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns the payload for key if the entry is unexpired.
// Returns (nil, false) on miss or expiry.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.clock.Since(e.writtenAt) >= s.ttl {
		// Expired, treat as miss. Deletion happens in the eviction sweep
		// (read lock only here).
		return nil, false
	}
	return e.payload, true
}

// Set overwrites the entry for key with a fresh write timestamp.
func (s *Store) Set(key string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &entry{
		payload:   payload,
		writtenAt: s.clock.Now(),
	}
}

// Delete removes an entry regardless of freshness.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Keys returns the keys of all unexpired entries.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key, e := range s.entries {
		if s.clock.Since(e.writtenAt) < s.ttl {
			keys = append(keys, key)
		}
	}
	return keys
}

// Size returns the number of held entries, expired ones included.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// EvictExpired removes all expired entries and returns the count evicted.
// Prevents unbounded growth for per-user keyed topics.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, e := range s.entries {
		if s.clock.Since(e.writtenAt) >= s.ttl {
			delete(s.entries, key)
			evicted++
		}
	}
	return evicted
}

// StartEvictionTimer starts a background goroutine that periodically evicts
// expired entries. Returns a stop function to clean up the goroutine.
func (s *Store) StartEvictionTimer(interval time.Duration) func() {
	ticker := s.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.Chan():
				evicted := s.EvictExpired()
				if evicted > 0 {
					slog.Debug("Evicted expired cache entries",
						"topic", s.topic,
						"count", evicted,
						"remaining", s.Size(),
					)
					metrics.CacheEvictions.WithLabelValues(s.topic).Add(float64(evicted))
				}
				metrics.PollerCacheSize.WithLabelValues(s.topic).Set(float64(s.Size()))
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}
