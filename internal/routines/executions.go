package routines

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/concierge/pkg/models"
)

// ExecutionStore persists routine execution history.
type ExecutionStore interface {
	Create(ctx context.Context, exec *models.RoutineExecution) error
	Update(ctx context.Context, exec *models.RoutineExecution) error
	Get(ctx context.Context, id string) (*models.RoutineExecution, error)
	// List returns the newest executions of a routine first.
	List(ctx context.Context, routineID string, limit int) ([]*models.RoutineExecution, error)
	// Prune removes executions started before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryExecutionStore keeps execution history in memory.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]*models.RoutineExecution
	order      []string
}

// NewMemoryExecutionStore creates an in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{executions: make(map[string]*models.RoutineExecution)}
}

// Create stores a new execution record.
func (s *MemoryExecutionStore) Create(_ context.Context, exec *models.RoutineExecution) error {
	if exec == nil || exec.ID == "" {
		return errors.New("execution id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; !exists {
		s.order = append(s.order, exec.ID)
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// Update replaces an execution record.
func (s *MemoryExecutionStore) Update(_ context.Context, exec *models.RoutineExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return ErrNotFound
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// Get returns an execution by id.
func (s *MemoryExecutionStore) Get(_ context.Context, id string) (*models.RoutineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

// List returns up to limit executions of routineID, newest first. A
// non-positive limit returns all of them.
func (s *MemoryExecutionStore) List(_ context.Context, routineID string, limit int) ([]*models.RoutineExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.RoutineExecution
	for i := len(s.order) - 1; i >= 0; i-- {
		exec := s.executions[s.order[i]]
		if exec == nil || exec.RoutineID != routineID {
			continue
		}
		out = append(out, exec.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Prune removes executions started before cutoff.
func (s *MemoryExecutionStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pruned int64
	kept := make([]string, 0, len(s.order))
	for _, id := range s.order {
		exec, ok := s.executions[id]
		if !ok {
			continue
		}
		if exec.StartedAt.Before(cutoff) {
			delete(s.executions, id)
			pruned++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return pruned, nil
}
