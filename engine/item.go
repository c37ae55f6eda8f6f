package engine

import (
	"sync"
	"time"

	"github.com/timewinder-dev/notebook/queue"
)

// WorkItem is one notebook cell as the engine sees it.
type WorkItem struct {
	ID     string
	Source string
	// Dirty is set when Source changed since the last successful run.
	Dirty bool

	// Output is the last successful result. A failed run leaves it alone.
	Output    string
	HasOutput bool
	LastError error
	Status    queue.Status
	// LastTaskID is the queue task that last wrote this item.
	LastTaskID string

	Executions int
	Failures   int
	CacheHits  int

	CreatedAt  time.Time
	ModifiedAt time.Time
	LastRunAt  time.Time
}

// ItemStore owns the items. The engine never creates or deletes items; it
// reads them and annotates them with results.
type ItemStore interface {
	Item(id string) (WorkItem, bool)
	IDs() []string
	// Annotate applies fn to the stored item and reports whether it exists.
	Annotate(id string, fn func(*WorkItem)) bool
}

// MemoryStore is an in-memory ItemStore that keeps insertion order.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*WorkItem
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*WorkItem)}
}

// Set creates or edits the item id. Changing the source marks it dirty.
func (s *MemoryStore) Set(id, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	item, ok := s.items[id]
	if !ok {
		s.items[id] = &WorkItem{
			ID:         id,
			Source:     source,
			Dirty:      true,
			CreatedAt:  now,
			ModifiedAt: now,
		}
		s.order = append(s.order, id)
		return
	}
	if item.Source != source {
		item.Source = source
		item.Dirty = true
		item.ModifiedAt = now
	}
}

// Delete removes id and reports whether it was present.
func (s *MemoryStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	for i, other := range s.order {
		if other == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *MemoryStore) Item(id string) (WorkItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return WorkItem{}, false
	}
	return *item, true
}

func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *MemoryStore) Annotate(id string, fn func(*WorkItem)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if ok {
		fn(item)
	}
	return ok
}

// Items returns copies of every item in insertion order.
func (s *MemoryStore) Items() []WorkItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WorkItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.items[id])
	}
	return out
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
