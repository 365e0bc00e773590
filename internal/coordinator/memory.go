package coordinator

import (
	"bytes"
	"sync"
	"time"
)

// memoryStore is the in-process Store used by tests and single-node
// deployments that opt out of the shared database.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]memoryEntry)}
}

func (s *memoryStore) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alive(key) {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return true, nil
}

func (s *memoryStore) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: append([]byte(nil), value...), expiresAt: expiry(ttl)}
	return nil
}

func (s *memoryStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive(key) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s.entries[key].value...), nil
}

func (s *memoryStore) Exists(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive(key), nil
}

func (s *memoryStore) CompareAndDelete(key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive(key) {
		return false, nil
	}
	if !bytes.Equal(s.entries[key].value, value) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *memoryStore) Close() error { return nil }

// alive reports whether key exists and has not expired, pruning it lazily
// when it has. Callers hold the mutex.
func (s *memoryStore) alive(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return false
	}
	return true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
