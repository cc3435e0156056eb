package lists

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	lists   map[string]List
	members map[string]map[string]time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lists:   make(map[string]List),
		members: make(map[string]map[string]time.Time),
	}
}

// PutList creates or replaces a list definition.
func (s *MemoryStore) PutList(l List) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[l.ID] = l
}

// Members returns the sorted member ids of listID.
func (s *MemoryStore) Members(listID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.members[listID]))
	for id := range s.members[listID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) DynamicLists(_ context.Context) ([]List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]List, 0, len(s.lists))
	for _, l := range s.lists {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetList(_ context.Context, id string) (*List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[id]
	if !ok {
		return nil, ErrListNotFound
	}
	return &l, nil
}

func (s *MemoryStore) Join(_ context.Context, listID, userID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.members[listID]
	if m == nil {
		m = make(map[string]time.Time)
		s.members[listID] = m
	}
	if _, ok := m[userID]; ok {
		return false, nil
	}
	m[userID] = at
	return true, nil
}

func (s *MemoryStore) Leave(_ context.Context, listID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[listID][userID]; !ok {
		return false, nil
	}
	delete(s.members[listID], userID)
	return true, nil
}
