package delegation

import (
	"context"
	"sort"
	"sync"

	"masterlinc/internal/domain"
)

const defaultMaxTasks = 10000

// MemoryStore keeps task records for the lifetime of the process.
// Once full, the oldest finished tasks are evicted first.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]domain.TaskRecord
	max   int
}

// NewMemoryStore creates a store holding at most max records (0 = default).
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = defaultMaxTasks
	}
	return &MemoryStore{tasks: make(map[string]domain.TaskRecord), max: max}
}

func (s *MemoryStore) SaveTask(_ context.Context, rec domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[rec.ID] = rec
	if len(s.tasks) > s.max {
		s.evictOldest()
	}
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*domain.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, domain.NewSubSystemError("task", "MemoryStore.GetTask", domain.ErrNotFound, id)
	}
	return &rec, nil
}

func (s *MemoryStore) evictOldest() {
	var finished []domain.TaskRecord
	for _, r := range s.tasks {
		if r.Status != domain.TaskDelegated {
			finished = append(finished, r)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].CreatedAt.Before(finished[j].CreatedAt)
	})
	for _, r := range finished {
		if len(s.tasks) <= s.max {
			break
		}
		delete(s.tasks, r.ID)
	}
}
