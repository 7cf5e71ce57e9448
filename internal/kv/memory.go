package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store used in development and tests.
// Expiry is checked lazily on access.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]memoryEntry
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.data[key]
	if !ok {
		return "", ErrMiss
	}
	if s.now().After(entry.expiresAt) {
		delete(s.data, key)
		return "", ErrMiss
	}
	return entry.value, nil
}

func (s *MemoryStore) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	entry, ok := s.data[key]
	if ok && s.now().Before(entry.expiresAt) {
		parsed, err := strconv.ParseInt(entry.value, 10, 64)
		if err == nil {
			count = parsed
		}
	}
	count++
	s.data[key] = memoryEntry{value: strconv.FormatInt(count, 10), expiresAt: s.now().Add(ttl)}
	return count, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}
