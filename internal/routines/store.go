package routines

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/concierge/pkg/models"
)

// ErrNotFound is returned for unknown routines and executions.
var ErrNotFound = errors.New("routine not found")

// Store persists routines.
type Store interface {
	Create(ctx context.Context, r *models.Routine) error
	Get(ctx context.Context, id string) (*models.Routine, error)
	ListByCaller(ctx context.Context, callerID string) ([]*models.Routine, error)
	// Due returns enabled routines whose NextRun is at or before now.
	Due(ctx context.Context, now time.Time) ([]*models.Routine, error)
	Update(ctx context.Context, r *models.Routine) error
	// MarkRun stamps the run times after an execution. A zero nextRun
	// disables the routine.
	MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps routines in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	routines map[string]*models.Routine
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{routines: make(map[string]*models.Routine)}
}

func (s *MemoryStore) Create(_ context.Context, r *models.Routine) error {
	if r == nil || r.ID == "" {
		return errors.New("routine id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.routines[r.ID]; exists {
		return errors.New("routine already exists")
	}
	s.routines[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.routines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListByCaller(_ context.Context, callerID string) ([]*models.Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Routine
	for _, r := range s.routines {
		if r.CallerID == callerID {
			out = append(out, r.Clone())
		}
	}
	sortRoutines(out)
	return out, nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time) ([]*models.Routine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Routine
	for _, r := range s.routines {
		if r.Enabled && !r.NextRun.IsZero() && !r.NextRun.After(now) {
			out = append(out, r.Clone())
		}
	}
	sortRoutines(out)
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, r *models.Routine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routines[r.ID]; !ok {
		return ErrNotFound
	}
	s.routines[r.ID] = r.Clone()
	return nil
}

func (s *MemoryStore) MarkRun(_ context.Context, id string, lastRun, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[id]
	if !ok {
		return ErrNotFound
	}
	r.LastRun = lastRun
	r.NextRun = nextRun
	if nextRun.IsZero() {
		r.Enabled = false
	}
	r.UpdatedAt = lastRun
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routines[id]; !ok {
		return ErrNotFound
	}
	delete(s.routines, id)
	return nil
}

func sortRoutines(rs []*models.Routine) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].NextRun.Equal(rs[j].NextRun) {
			return rs[i].NextRun.Before(rs[j].NextRun)
		}
		return rs[i].ID < rs[j].ID
	})
}
