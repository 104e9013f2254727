package counter

import (
	"context"
	"sync"
)

// MemStore is an in-process Store.  Correct only when a single operator
// process owns the cache directory; used in tests and dev setups.
type MemStore struct {
	mu sync.Mutex
	m  map[string]int64
}

func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]int64)}
}

func (s *MemStore) Current(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *MemStore) Bump(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key]++
	return s.m[key], nil
}
