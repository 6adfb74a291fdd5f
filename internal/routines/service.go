package routines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/concierge/pkg/models"
)

const (
	maxSteps       = 10
	maxNameLength  = 120
	defaultHistory = 20
)

// ErrInvalid wraps routine validation failures.
var ErrInvalid = errors.New("invalid routine")

// Service is the caller-facing API over the routine stores.
type Service struct {
	store      Store
	executions ExecutionStore
	toolExists func(string) bool
	now        func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithToolCheck rejects steps naming tools for which exists returns false.
func WithToolCheck(exists func(string) bool) ServiceOption {
	return func(s *Service) { s.toolExists = exists }
}

// WithServiceClock sets the time source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a Service.
func NewService(store Store, executions ExecutionStore, opts ...ServiceOption) *Service {
	s := &Service{store: store, executions: executions, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (s *Service) validate(r *models.Routine) error {
	r.Name = strings.TrimSpace(r.Name)
	switch {
	case r.CallerID == "":
		return invalid("caller id is required")
	case r.Name == "":
		return invalid("name is required")
	case len(r.Name) > maxNameLength:
		return invalid("name exceeds %d characters", maxNameLength)
	case len(r.Steps) == 0:
		return invalid("at least one step is required")
	case len(r.Steps) > maxSteps:
		return invalid("at most %d steps are allowed", maxSteps)
	}
	for i, step := range r.Steps {
		if strings.TrimSpace(step.Tool) == "" {
			return invalid("step %d: tool is required", i+1)
		}
		if s.toolExists != nil && !s.toolExists(step.Tool) {
			return invalid("step %d: unknown tool %q", i+1, step.Tool)
		}
	}
	if _, err := ParseSchedule(r.Schedule, r.Timezone); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// CreateRoutine validates and stores a new routine, computing its first
// NextRun.
func (s *Service) CreateRoutine(ctx context.Context, routine *models.Routine) (*models.Routine, error) {
	if routine == nil {
		return nil, invalid("routine is required")
	}
	r := routine.Clone()
	if err := s.validate(r); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	r.ID = uuid.NewString()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.LastRun = time.Time{}
	next, err := NextRun(r.Schedule, r.Timezone, now)
	if err != nil {
		return nil, invalid("%v", err)
	}
	r.NextRun = next
	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("store routine: %w", err)
	}
	return r, nil
}

// ListRoutines returns the caller's routines.
func (s *Service) ListRoutines(ctx context.Context, callerID string) ([]*models.Routine, error) {
	return s.store.ListByCaller(ctx, callerID)
}

// GetRoutine returns one of the caller's routines. Routines owned by
// someone else are reported as not found.
func (s *Service) GetRoutine(ctx context.Context, callerID, id string) (*models.Routine, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.CallerID != callerID {
		return nil, ErrNotFound
	}
	return r, nil
}

// SetEnabled pauses or resumes a routine. Resuming recomputes NextRun from
// now so missed activations are not replayed.
func (s *Service) SetEnabled(ctx context.Context, callerID, id string, enabled bool) (*models.Routine, error) {
	r, err := s.GetRoutine(ctx, callerID, id)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	r.Enabled = enabled
	r.UpdatedAt = now
	if enabled {
		next, err := NextRun(r.Schedule, r.Timezone, now)
		if err != nil {
			return nil, invalid("%v", err)
		}
		r.NextRun = next
	}
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("update routine: %w", err)
	}
	return r, nil
}

// DeleteRoutine removes one of the caller's routines.
func (s *Service) DeleteRoutine(ctx context.Context, callerID, id string) error {
	if _, err := s.GetRoutine(ctx, callerID, id); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

// Executions returns recent executions of one of the caller's routines.
func (s *Service) Executions(ctx context.Context, callerID, id string, limit int) ([]*models.RoutineExecution, error) {
	if _, err := s.GetRoutine(ctx, callerID, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistory
	}
	return s.executions.List(ctx, id, limit)
}
