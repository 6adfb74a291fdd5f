package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/concierge/internal/routines"
	"github.com/haasonsaas/concierge/pkg/models"
)

// RoutineStore implements routines.Store.
type RoutineStore struct {
	db *DB
}

// NewRoutineStore creates a RoutineStore.
func NewRoutineStore(db *DB) *RoutineStore {
	return &RoutineStore{db: db}
}

var _ routines.Store = (*RoutineStore)(nil)

const routineColumns = `id, caller_id, name, schedule, timezone, steps, summarize, enabled, next_run, last_run, created_at, updated_at`

func (s *RoutineStore) Create(ctx context.Context, r *models.Routine) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("routine is required")
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("marshal routine steps: %w", err)
	}
	_, err = s.db.exec(ctx, s.db,
		`INSERT INTO routines (`+routineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.CallerID,
		r.Name,
		r.Schedule,
		r.Timezone,
		string(steps),
		r.Summarize,
		r.Enabled,
		nullTime(r.NextRun),
		nullTime(r.LastRun),
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create routine: %w", err)
	}
	return nil
}

func (s *RoutineStore) Get(ctx context.Context, id string) (*models.Routine, error) {
	r, err := scanRoutine(s.db.queryRow(ctx, `SELECT `+routineColumns+` FROM routines WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, routines.ErrNotFound
	}
	return r, err
}

func (s *RoutineStore) ListByCaller(ctx context.Context, callerID string) ([]*models.Routine, error) {
	return s.list(ctx, `SELECT `+routineColumns+` FROM routines WHERE caller_id = ? ORDER BY created_at`, callerID)
}

func (s *RoutineStore) Due(ctx context.Context, now time.Time) ([]*models.Routine, error) {
	return s.list(ctx,
		`SELECT `+routineColumns+` FROM routines
		 WHERE enabled = ? AND next_run IS NOT NULL AND next_run <= ?
		 ORDER BY next_run, id`, true, now.UTC())
}

func (s *RoutineStore) list(ctx context.Context, query string, args ...any) ([]*models.Routine, error) {
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	defer rows.Close()
	var out []*models.Routine
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list routines: %w", err)
	}
	return out, nil
}

func (s *RoutineStore) Update(ctx context.Context, r *models.Routine) error {
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return fmt.Errorf("marshal routine steps: %w", err)
	}
	res, err := s.db.exec(ctx, s.db,
		`UPDATE routines
		 SET name = ?, schedule = ?, timezone = ?, steps = ?, summarize = ?, enabled = ?, next_run = ?, last_run = ?, updated_at = ?
		 WHERE id = ?`,
		r.Name,
		r.Schedule,
		r.Timezone,
		string(steps),
		r.Summarize,
		r.Enabled,
		nullTime(r.NextRun),
		nullTime(r.LastRun),
		r.UpdatedAt.UTC(),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("update routine: %w", err)
	}
	if err := expectOne(res, "update routine"); err != nil {
		return routines.ErrNotFound
	}
	return nil
}

func (s *RoutineStore) MarkRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.exec(ctx, s.db,
		`UPDATE routines
		 SET last_run = ?, next_run = ?, enabled = CASE WHEN ? THEN enabled ELSE FALSE END, updated_at = ?
		 WHERE id = ?`,
		nullTime(lastRun),
		nullTime(nextRun),
		!nextRun.IsZero(),
		lastRun.UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("mark routine run: %w", err)
	}
	if err := expectOne(res, "mark routine run"); err != nil {
		return routines.ErrNotFound
	}
	return nil
}

func (s *RoutineStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.exec(ctx, s.db, `DELETE FROM routines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete routine: %w", err)
	}
	if err := expectOne(res, "delete routine"); err != nil {
		return routines.ErrNotFound
	}
	return nil
}

func scanRoutine(row scanner) (*models.Routine, error) {
	var (
		r                models.Routine
		steps            []byte
		nextRun, lastRun sql.NullTime
	)
	if err := row.Scan(
		&r.ID,
		&r.CallerID,
		&r.Name,
		&r.Schedule,
		&r.Timezone,
		&steps,
		&r.Summarize,
		&r.Enabled,
		&nextRun,
		&lastRun,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan routine: %w", err)
	}
	if err := json.Unmarshal(steps, &r.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal routine steps: %w", err)
	}
	r.NextRun = timeOf(nextRun)
	r.LastRun = timeOf(lastRun)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// ExecutionStore implements routines.ExecutionStore.
type ExecutionStore struct {
	db *DB
}

// NewExecutionStore creates an ExecutionStore.
func NewExecutionStore(db *DB) *ExecutionStore {
	return &ExecutionStore{db: db}
}

var _ routines.ExecutionStore = (*ExecutionStore)(nil)

const executionColumns = `id, routine_id, caller_id, status, results, error, summary, started_at, finished_at`

func (s *ExecutionStore) Create(ctx context.Context, exec *models.RoutineExecution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution is required")
	}
	results, err := marshalResults(exec.Results)
	if err != nil {
		return err
	}
	_, err = s.db.exec(ctx, s.db,
		`INSERT INTO routine_executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.RoutineID,
		exec.CallerID,
		string(exec.Status),
		results,
		exec.Error,
		exec.Summary,
		exec.StartedAt.UTC(),
		nullTime(exec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *ExecutionStore) Update(ctx context.Context, exec *models.RoutineExecution) error {
	results, err := marshalResults(exec.Results)
	if err != nil {
		return err
	}
	res, err := s.db.exec(ctx, s.db,
		`UPDATE routine_executions SET status = ?, results = ?, error = ?, summary = ?, finished_at = ? WHERE id = ?`,
		string(exec.Status),
		results,
		exec.Error,
		exec.Summary,
		nullTime(exec.FinishedAt),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if err := expectOne(res, "update execution"); err != nil {
		return routines.ErrNotFound
	}
	return nil
}

func (s *ExecutionStore) Get(ctx context.Context, id string) (*models.RoutineExecution, error) {
	exec, err := scanExecution(s.db.queryRow(ctx, `SELECT `+executionColumns+` FROM routine_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, routines.ErrNotFound
	}
	return exec, err
}

func (s *ExecutionStore) List(ctx context.Context, routineID string, limit int) ([]*models.RoutineExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM routine_executions WHERE routine_id = ? ORDER BY started_at DESC`
	args := []any{routineID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []*models.RoutineExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return out, nil
}

func (s *ExecutionStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.exec(ctx, s.db, `DELETE FROM routine_executions WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune executions rows affected: %w", err)
	}
	return n, nil
}

func marshalResults(results []models.StepResult) (string, error) {
	if results == nil {
		results = []models.StepResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal execution results: %w", err)
	}
	return string(data), nil
}

func scanExecution(row scanner) (*models.RoutineExecution, error) {
	var (
		exec     models.RoutineExecution
		status   string
		results  []byte
		finished sql.NullTime
	)
	if err := row.Scan(
		&exec.ID,
		&exec.RoutineID,
		&exec.CallerID,
		&status,
		&results,
		&exec.Error,
		&exec.Summary,
		&exec.StartedAt,
		&finished,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec.Status = models.ExecutionStatus(status)
	exec.StartedAt = exec.StartedAt.UTC()
	exec.FinishedAt = timeOf(finished)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &exec.Results); err != nil {
			return nil, fmt.Errorf("unmarshal execution results: %w", err)
		}
	}
	return &exec, nil
}
