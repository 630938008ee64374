package feature

import "sync"

// Store exposes feature lookup for handlers and the run service.
type Store interface {
	List() []Feature
	FindByID(id string) (Feature, bool)
}

// MemoryStore implements Store in memory. Replace swaps the whole catalog,
// which is how file reloads are applied.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Feature
	order []string
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied features.
func NewMemoryStore(items []Feature) *MemoryStore {
	s := &MemoryStore{}
	s.Replace(items)
	return s
}

// List returns the features in catalog order.
func (s *MemoryStore) List() []Feature {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Feature, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

// FindByID looks up a feature by identifier.
func (s *MemoryStore) FindByID(id string) (Feature, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.items[id]
	return f, ok
}

// Replace swaps in a new catalog. Later duplicates override earlier entries.
func (s *MemoryStore) Replace(items []Feature) {
	next := make(map[string]Feature, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if _, seen := next[item.ID]; !seen {
			order = append(order, item.ID)
		}
		next[item.ID] = item
	}

	s.mu.Lock()
	s.items = next
	s.order = order
	s.mu.Unlock()
}
