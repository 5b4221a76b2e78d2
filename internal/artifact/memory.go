package artifact

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity bounds the in-memory store.
const DefaultMemoryCapacity = 256

// MemoryStore keeps the most recent artifacts in process memory, evicting in
// insertion order once capacity is reached.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	items    map[string][]byte
	order    []string
}

// NewMemoryStore creates a store holding at most capacity artifacts.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{capacity: capacity, items: make(map[string][]byte, capacity)}
}

// Put stores a copy of data under key.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := append([]byte(nil), data...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; exists {
		s.removeLocked(key)
	}
	for len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.items, oldest)
	}
	s.items[key] = buf
	s.order = append(s.order, key)
	return nil
}

func (s *MemoryStore) removeLocked(key string) {
	delete(s.items, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Get returns a copy of the artifact for key.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Latest returns the last artifact written.
func (s *MemoryStore) Latest(_ context.Context) (string, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return "", nil, ErrNotFound
	}
	key := s.order[len(s.order)-1]
	return key, append([]byte(nil), s.items[key]...), nil
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
