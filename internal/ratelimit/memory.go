package ratelimit

import (
	"context"
	"sync"
	"time"
)

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is the single-process default Store. In a multi-instance
// deployment it degrades rate limiting to per-instance; use RedisStore there.
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[string]counterEntry
	blocks    map[string]time.Time
	maxMemory int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters:  make(map[string]counterEntry),
		blocks:    make(map[string]time.Time),
		maxMemory: 10000,
	}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.counters[key]
	if !ok || now.After(entry.expiresAt) {
		entry = counterEntry{count: 0, expiresAt: now.Add(ttl)}
	}
	entry.count++
	s.counters[key] = entry

	if len(s.counters) > s.maxMemory {
		for k, v := range s.counters {
			if now.After(v.expiresAt) {
				delete(s.counters, k)
			}
		}
	}

	return entry.count, nil
}

func (s *MemoryStore) SetBlock(ctx context.Context, identity string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocks[identity] = until.UTC()
	return nil
}

func (s *MemoryStore) BlockedUntil(ctx context.Context, identity string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	until, ok := s.blocks[identity]
	if !ok {
		return time.Time{}, false, nil
	}
	if time.Now().UTC().After(until) {
		delete(s.blocks, identity)
		return time.Time{}, false, nil
	}

	return until, true, nil
}

func (s *MemoryStore) Sweep(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entry := range s.counters {
		if now.After(entry.expiresAt) {
			delete(s.counters, key)
		}
	}
	for identity, until := range s.blocks {
		if now.After(until) {
			delete(s.blocks, identity)
		}
	}

	return nil
}
