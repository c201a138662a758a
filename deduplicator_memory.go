package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type completedDelivery struct {
	jobID       string
	completedAt time.Time
}

// process local store, only useful while a single worker owns the queue.
// Entries are lost on restart.
type InMemoryDeduplicationStore struct {
	mu        sync.RWMutex
	completed map[string]completedDelivery
	now       func() time.Time
}

func NewInMemoryDeduplicationStore() *InMemoryDeduplicationStore {
	return &InMemoryDeduplicationStore{
		completed: map[string]completedDelivery{},
		now:       time.Now,
	}
}

func (s *InMemoryDeduplicationStore) IsProcessed(_ context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	entry, ok := s.completed[messageID]
	s.mu.RUnlock()

	if ok {
		log.Debug().Str("message_id", messageID).Str("job_id", entry.jobID).Time("completed_at", entry.completedAt).Msg("Message already completed")
	}
	return ok, nil
}

func (s *InMemoryDeduplicationStore) MarkProcessed(_ context.Context, messageID, jobID string) error {
	s.mu.Lock()
	s.completed[messageID] = completedDelivery{jobID: jobID, completedAt: s.now()}
	s.mu.Unlock()
	return nil
}

func (s *InMemoryDeduplicationStore) Cleanup(_ context.Context, olderThan time.Duration) error {
	cutoff := s.now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entry := range s.completed {
		if entry.completedAt.Before(cutoff) {
			delete(s.completed, id)
		}
	}
	return nil
}

// Close drops every entry
func (s *InMemoryDeduplicationStore) Close() error {
	s.mu.Lock()
	clear(s.completed)
	s.mu.Unlock()
	return nil
}
