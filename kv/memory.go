package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and as the DLQ retry
// counter fallback. TTLs are enforced lazily on access.
type MemoryStore struct {
	mu    sync.Mutex
	vals  map[string]memEntry
	lists map[string][]string
	now   func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vals:  make(map[string]memEntry),
		lists: make(map[string][]string),
		now:   time.Now,
	}
}

// SetNowFunc overrides the clock, for TTL tests.
func (s *MemoryStore) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := s.vals[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.vals, key)
		return memEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	return e.value, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vals[key] = memEntry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if e, ok := s.live(key); ok {
		cur, _ = strconv.ParseInt(e.value, 10, 64)
	}
	cur += delta
	s.vals[key] = memEntry{value: strconv.FormatInt(cur, 10), expiresAt: s.expiry(ttl)}
	return cur, nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.vals[key] = memEntry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vals, key)
	delete(s.lists, key)
	return nil
}

func (s *MemoryStore) PushBack(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], value)
	return nil
}

func (s *MemoryStore) PopFront(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	val := list[0]
	s.lists[key] = list[1:]
	return val, true, nil
}

func (s *MemoryStore) Close() error { return nil }
