package history

import (
	"context"
	"sync"

	"github.com/zhouzirui/arc-relay/backend/internal/model/run"
)

// MemoryStore keeps the most recent runs in memory. Once limit records are
// held, saving a new one evicts the oldest.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]run.Record
	order   []string
	limit   int
}

// NewMemoryStore creates a store holding at most limit records.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = run.MaxLimit
	}
	return &MemoryStore{
		records: make(map[string]run.Record),
		order:   make([]string, 0, 64),
		limit:   limit,
	}
}

// Save inserts or replaces a record.
func (s *MemoryStore) Save(_ context.Context, rec run.Record) error {
	if rec.ID == "" {
		return ErrRunInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; !exists {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec

	for len(s.order) > s.limit {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

// Get retrieves a record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (run.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return run.Record{}, ErrRunNotFound
	}
	return rec, nil
}

// List returns matching records, newest first.
func (s *MemoryStore) List(_ context.Context, filter run.Filter) ([]run.Record, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]run.Record, 0, min(filter.Limit, len(s.order)))
	for i := len(s.order) - 1; i >= 0 && len(out) < filter.Limit; i-- {
		rec := s.records[s.order[i]]
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
