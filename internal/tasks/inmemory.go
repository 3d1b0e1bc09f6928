package tasks

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a simple in-process task store for local/dev use.
type InMemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]Task
	bySession map[string][]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:     make(map[string]Task),
		bySession: make(map[string][]string),
	}
}

func (s *InMemoryStore) SaveTask(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; !exists {
		s.bySession[task.SessionID] = append(s.bySession[task.SessionID], task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *InMemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrStoreNotFound
	}
	return task.Clone(), nil
}

// ListTasksBySession returns the newest tasks first.
func (s *InMemoryStore) ListTasksBySession(_ context.Context, sessionID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySession[sessionID]
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.tasks[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
