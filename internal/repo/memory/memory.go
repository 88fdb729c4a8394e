// Package memory holds process-local stores used by tests and by the
// single-process "memory" storage mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/repo"
)

type ConfigStore struct {
	mu      sync.RWMutex
	configs map[string]domain.PipelineConfig
}

func NewConfigStore() *ConfigStore {
	return &ConfigStore{configs: map[string]domain.PipelineConfig{}}
}

func (s *ConfigStore) GetConfig(_ context.Context, applicationRef string) (domain.PipelineConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[strings.TrimSpace(applicationRef)]
	if !ok {
		return domain.PipelineConfig{}, repo.ErrNotFound
	}
	return cfg.Clone(), nil
}

func (s *ConfigStore) PutConfig(_ context.Context, cfg domain.PipelineConfig) error {
	ref := strings.TrimSpace(cfg.ApplicationRef)
	if ref == "" {
		return fmt.Errorf("application ref is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[ref] = cfg.Clone()
	return nil
}

type ExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]domain.Execution
	order      []string
}

func NewExecutionStore() *ExecutionStore {
	return &ExecutionStore{executions: map[string]domain.Execution{}}
}

func (s *ExecutionStore) Create(_ context.Context, exec domain.Execution) error {
	if strings.TrimSpace(exec.ID) == "" {
		return fmt.Errorf("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; ok {
		return repo.ErrConflict
	}
	exec = exec.Clone()
	exec.Version = 1
	s.executions[exec.ID] = exec
	s.order = append(s.order, exec.ID)
	return nil
}

func (s *ExecutionStore) Get(_ context.Context, id string) (domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[strings.TrimSpace(id)]
	if !ok {
		return domain.Execution{}, repo.ErrNotFound
	}
	return exec.Clone(), nil
}

func (s *ExecutionStore) Update(_ context.Context, exec domain.Execution) (domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.executions[exec.ID]
	if !ok {
		return domain.Execution{}, repo.ErrNotFound
	}
	if current.Version != exec.Version {
		return domain.Execution{}, repo.ErrConflict
	}
	next := exec.Clone()
	next.CancelRequested = current.CancelRequested
	next.Version = current.Version + 1
	s.executions[exec.ID] = next
	return next.Clone(), nil
}

func (s *ExecutionStore) List(_ context.Context, filter repo.ExecutionFilter) ([]domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Execution, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		exec := s.executions[s.order[i]]
		if filter.ApplicationRef != "" && exec.ApplicationRef != filter.ApplicationRef {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if !filter.UpdatedBefore.IsZero() && !exec.UpdatedAt.Before(filter.UpdatedBefore) {
			continue
		}
		out = append(out, exec.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []domain.Execution{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *ExecutionStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[strings.TrimSpace(id)]
	if !ok {
		return repo.ErrNotFound
	}
	exec.CancelRequested = true
	s.executions[exec.ID] = exec
	return nil
}

func (s *ExecutionStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[strings.TrimSpace(id)]
	if !ok {
		return false, repo.ErrNotFound
	}
	return exec.CancelRequested, nil
}

type LogStore struct {
	mu      sync.RWMutex
	entries []domain.LogEntry
	nextID  int64
}

func NewLogStore() *LogStore {
	return &LogStore{}
}

func (s *LogStore) Append(_ context.Context, entry domain.LogEntry) (int64, error) {
	if strings.TrimSpace(entry.ExecutionID) == "" {
		return 0, fmt.Errorf("execution id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	entry.ID = s.nextID
	entry.Metadata = entry.Metadata.Clone()
	s.entries = append(s.entries, entry)
	return entry.ID, nil
}

func (s *LogStore) Query(_ context.Context, filter repo.LogFilter) ([]domain.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.LogEntry, 0)
	for _, e := range s.entries {
		if e.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.StageID != "" && e.StageID != filter.StageID {
			continue
		}
		e.Metadata = e.Metadata.Clone()
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoggedAt.Before(out[j].LoggedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len reports the number of stored entries.
func (s *LogStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
