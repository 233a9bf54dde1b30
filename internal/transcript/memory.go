package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkravets/studybuddy/internal/session"
)

// InMemoryStore keeps transcripts in-process for local/dev use and tests.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*Record)}
}

func (s *InMemoryStore) Append(_ context.Context, key string, meta Meta, entry Entry) (string, error) {
	now := time.Now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{
			ID:               uuid.NewString(),
			SessionKey:       key,
			Identifier:       meta.Identifier,
			ConversationID:   meta.ConversationID,
			ConversationType: ConversationType,
			PromptVersion:    meta.PromptVersion,
			CreatedAt:        now,
		}
		s.records[key] = rec
	}
	rec.Messages = append(rec.Messages, entry)
	rec.MessageCount++
	rec.LastUpdated = now
	return rec.ID, nil
}

func (s *InMemoryStore) MarkCompleted(_ context.Context, key string, meta Meta, history []session.Message) (string, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		entries := make([]Entry, 0, len(history))
		for i, msg := range history {
			entries = append(entries, Entry{Message: msg, Timestamp: now, Index: i})
		}
		rec = &Record{
			ID:               uuid.NewString(),
			SessionKey:       key,
			Identifier:       meta.Identifier,
			ConversationID:   meta.ConversationID,
			ConversationType: ConversationType,
			PromptVersion:    meta.PromptVersion,
			Messages:         entries,
			MessageCount:     len(entries),
			CreatedAt:        now,
		}
		s.records[key] = rec
	}
	rec.Completed = true
	rec.CompletedAt = now
	rec.LastUpdated = now
	return rec.ID, nil
}

func (s *InMemoryStore) Rekey(_ context.Context, oldKey, newKey string) (string, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.records[oldKey]
	if !ok {
		return "", ErrNotFound
	}

	if existing, ok := s.records[newKey]; ok {
		existing.Messages = append(existing.Messages, old.Messages...)
		existing.MessageCount += len(old.Messages)
		existing.LastUpdated = now
		delete(s.records, oldKey)
		return existing.ID, nil
	}

	old.SessionKey = newKey
	old.LastUpdated = now
	s.records[newKey] = old
	delete(s.records, oldKey)
	return old.ID, nil
}

// Get returns a copy of the transcript under key, for tests and inspection.
func (s *InMemoryStore) Get(key string) (*Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	c := *rec
	c.Messages = append([]Entry(nil), rec.Messages...)
	return &c, true
}

// Len reports how many transcript documents exist.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *InMemoryStore) Close() error { return nil }
