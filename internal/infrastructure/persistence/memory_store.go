// Package persistence provides the dlq.Store implementations: an in-memory
// store for tests and local development and a DynamoDB store for
// production, plus the resilience decorators that wrap them.
package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"resilience-core/internal/dlq"
)

// MemoryStore is a thread-safe in-memory dlq.Store.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]*dlq.Item
	pointers map[string]dlq.Priority
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]*dlq.Item),
		pointers: make(map[string]dlq.Priority),
	}
}

func (s *MemoryStore) CreateItem(_ context.Context, item *dlq.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryStore) GetItem(_ context.Context, id string) (*dlq.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[id]
	if !ok {
		return nil, dlq.ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

func (s *MemoryStore) UpdateItem(_ context.Context, item *dlq.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return dlq.ErrItemNotFound
	}
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return dlq.ErrItemNotFound
	}
	delete(s.items, id)
	delete(s.pointers, id)
	return nil
}

func (s *MemoryStore) QueryItems(_ context.Context, q dlq.Query) ([]*dlq.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*dlq.Item
	for _, it := range s.items {
		if q.Matches(it) {
			cp := *it
			out = append(out, &cp)
		}
	}
	sortItems(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListItems(_ context.Context) ([]*dlq.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*dlq.Item, 0, len(s.items))
	for _, it := range s.items {
		cp := *it
		out = append(out, &cp)
	}
	sortItems(out)
	return out, nil
}

func (s *MemoryStore) PurgeOlderThan(_ context.Context, statuses []dlq.Status, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, it := range s.items {
		if !it.CreatedAt.Before(cutoff) {
			continue
		}
		for _, st := range statuses {
			if it.Status == st {
				delete(s.items, id)
				delete(s.pointers, id)
				removed++
				break
			}
		}
	}
	return removed, nil
}

func (s *MemoryStore) InsertPointer(_ context.Context, itemID string, p dlq.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[itemID] = p
	return nil
}

func (s *MemoryStore) RemovePointer(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pointers, itemID)
	return nil
}

// sortItems orders by priority descending, then creation time ascending.
func sortItems(items []*dlq.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}
