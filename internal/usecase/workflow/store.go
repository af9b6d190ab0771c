package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"masterlinc/internal/domain"
)

const maxWorkflowRuns = 100

// MemoryStore implements domain.WorkflowStore in process memory.
// Once more than max runs are held, the oldest terminal runs are evicted.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]domain.WorkflowRun
	max  int
}

// NewMemoryStore creates a store bounded to max runs (0 = default).
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = maxWorkflowRuns
	}
	return &MemoryStore{runs: make(map[string]domain.WorkflowRun), max: max}
}

func (s *MemoryStore) SaveRun(_ context.Context, run domain.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run.Clone()
	if len(s.runs) > s.max {
		s.evictOldest()
	}
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, domain.NewSubSystemError("workflow", "MemoryStore.GetRun", domain.ErrNotFound, id)
	}
	out := run.Clone()
	return &out, nil
}

// ListRuns returns runs newest first. limit <= 0 returns all.
func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]domain.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r.Clone())
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// evictOldest removes the oldest terminal runs until count <= max.
// Active runs are never evicted.
func (s *MemoryStore) evictOldest() {
	var candidates []domain.WorkflowRun
	for _, r := range s.runs {
		if r.Status.Terminal() {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	for _, c := range candidates {
		if len(s.runs) <= s.max {
			break
		}
		delete(s.runs, c.ID)
	}
}

func (s *MemoryStore) all() []domain.WorkflowRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]domain.WorkflowRun, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs
}

// FileStore implements domain.WorkflowStore with JSON file persistence.
// The whole run set is rewritten atomically on every save.
type FileStore struct {
	*MemoryStore
	dir string
	wmu sync.Mutex
}

// NewFileStore creates a new file-backed workflow store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("workflowstore: create dir: %w", err)
	}

	s := &FileStore{
		MemoryStore: NewMemoryStore(maxWorkflowRuns),
		dir:         dir,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("workflowstore: load: %w", err)
	}
	return s, nil
}

func (s *FileStore) SaveRun(ctx context.Context, run domain.WorkflowRun) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := s.MemoryStore.SaveRun(ctx, run); err != nil {
		return err
	}
	return writeJSON(s.runsPath(), s.all())
}

// --- persistence ---

func (s *FileStore) runsPath() string {
	return filepath.Join(s.dir, "workflow_runs.json")
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.runsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}

	var runs []domain.WorkflowRun
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("parse workflow_runs.json: %w", err)
	}
	for _, r := range runs {
		// A run that was active when the process stopped can never resume.
		if !r.Status.Terminal() {
			r.Status = domain.WorkflowFailed
			r.Error = "interrupted by orchestrator restart"
		}
		s.runs[r.ID] = r
	}
	return nil
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}
