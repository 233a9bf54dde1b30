package identity

import (
	"context"
	"sync"
)

// InMemoryStore is a seedable in-process identifier set for local/dev use.
type InMemoryStore struct {
	mu          sync.RWMutex
	identifiers map[string]struct{}
}

func NewInMemoryStore(identifiers ...string) *InMemoryStore {
	s := &InMemoryStore{identifiers: make(map[string]struct{}, len(identifiers))}
	for _, id := range identifiers {
		s.identifiers[id] = struct{}{}
	}
	return s
}

func (s *InMemoryStore) Add(identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identifiers[identifier] = struct{}{}
}

func (s *InMemoryStore) Check(_ context.Context, identifier string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.identifiers[identifier]
	return ok, nil
}

func (s *InMemoryStore) Close() error { return nil }
