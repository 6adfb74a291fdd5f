// Package routines runs scheduled tool sequences. A tick picks up every due
// routine, executes its steps in order on a bounded worker pool and records
// one execution per routine.
package routines

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/pkg/models"
)

const (
	defaultWorkers = 4

	summarySystemPrompt = "You summarize the results of an automated routine for its owner. " +
		"Be brief and concrete; mention anything that needs attention."
)

// Invoker runs one tool and reports failure as an error.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage, integrations []models.ConnectedIntegration, callerID string) (string, error)
}

// IntegrationResolver returns the caller's usable integrations.
type IntegrationResolver interface {
	Resolve(ctx context.Context, callerID string) ([]models.ConnectedIntegration, error)
}

// Completer produces one-shot completions for run summaries.
type Completer interface {
	QuickChat(ctx context.Context, model, system, prompt string) (string, error)
}

// TickReport summarizes one tick.
type TickReport struct {
	Due       int                        `json:"due"`
	Completed int                        `json:"completed"`
	Failed    int                        `json:"failed"`
	Runs      []*models.RoutineExecution `json:"runs,omitempty"`
}

// Engine executes due routines.
type Engine struct {
	store      Store
	executions ExecutionStore
	tools      Invoker
	resolver   IntegrationResolver

	completer    Completer
	summaryModel string

	workers    int
	runTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	// ticks never overlap
	tickMu sync.Mutex
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWorkers bounds how many routines run at once.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRunTimeout bounds a single routine run, summary included.
func WithRunTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.runTimeout = d }
}

// WithSummarizer enables run summaries using completer with a fixed
// low-cost model.
func WithSummarizer(completer Completer, model string) EngineOption {
	return func(e *Engine) {
		e.completer = completer
		e.summaryModel = model
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records routine run metrics.
func WithMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer records a span per routine run.
func WithTracer(t *observability.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an Engine.
func NewEngine(store Store, executions ExecutionStore, invoker Invoker, resolver IntegrationResolver, opts ...EngineOption) (*Engine, error) {
	if store == nil || executions == nil {
		return nil, errors.New("routine and execution stores are required")
	}
	if invoker == nil {
		return nil, errors.New("tool invoker is required")
	}
	e := &Engine{
		store:      store,
		executions: executions,
		tools:      invoker,
		resolver:   resolver,
		workers:    defaultWorkers,
		now:        time.Now,
		logger:     slog.Default().With("component", "routines"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Tick runs every enabled routine that is due. Routines run concurrently up
// to the worker limit; a failing routine does not affect the others.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	now := e.now().UTC()
	due, err := e.store.Due(ctx, now)
	if err != nil {
		return TickReport{}, fmt.Errorf("list due routines: %w", err)
	}
	report := TickReport{Due: len(due)}
	if len(due) == 0 {
		return report, nil
	}
	e.logger.Info("routine tick", "due", len(due))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.workers)
	for _, r := range due {
		g.Go(func() error {
			exec := e.Run(ctx, r, now)
			mu.Lock()
			defer mu.Unlock()
			report.Runs = append(report.Runs, exec)
			if exec.Status == models.ExecutionCompleted {
				report.Completed++
			} else {
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

// Run executes one routine as of now and returns its execution record. The
// routine's LastRun and NextRun are advanced whatever the outcome.
func (e *Engine) Run(ctx context.Context, r *models.Routine, now time.Time) (exec *models.RoutineExecution) {
	start := time.Now()
	logger := e.logger.With("routine_id", r.ID, "caller_id", r.CallerID)
	ctx = observability.WithCallerID(ctx, r.CallerID)
	if e.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.runTimeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "routine.run", attribute.String("routine_id", r.ID), attribute.Int("steps", len(r.Steps)))

	exec = &models.RoutineExecution{
		ID:        uuid.NewString(),
		RoutineID: r.ID,
		CallerID:  r.CallerID,
		Status:    models.ExecutionRunning,
		Results:   []models.StepResult{},
		StartedAt: now,
	}

	created := false
	defer func() {
		if rec := recover(); rec != nil {
			exec.Status = models.ExecutionFailed
			exec.Error = fmt.Sprintf("routine panicked: %v", rec)
			logger.Error("routine panicked", "panic", rec)
		}
		exec.FinishedAt = e.now().UTC()

		// Bookkeeping must land even if the tick's context was cancelled.
		bg := context.WithoutCancel(ctx)
		if created {
			if err := e.executions.Update(bg, exec); err != nil {
				logger.Error("save routine execution failed", "execution_id", exec.ID, "error", err)
			}
		}
		e.advance(bg, logger, r, now)

		var runErr error
		if exec.Status == models.ExecutionFailed {
			runErr = errors.New(exec.Error)
		}
		e.metrics.RecordRoutineRun(string(exec.Status), time.Since(start))
		observability.End(span, runErr)
	}()

	if err := e.executions.Create(ctx, exec); err != nil {
		exec.Status = models.ExecutionFailed
		exec.Error = fmt.Sprintf("record execution: %v", err)
		logger.Error("create routine execution failed", "error", err)
		return exec
	}
	created = true

	var integrations []models.ConnectedIntegration
	if e.resolver != nil {
		var err error
		integrations, err = e.resolver.Resolve(ctx, r.CallerID)
		if err != nil {
			exec.Status = models.ExecutionFailed
			exec.Error = fmt.Sprintf("resolve integrations: %v", err)
			logger.Warn("routine integrations unavailable", "error", err)
			return exec
		}
	}

	previous := ""
	for i, step := range r.Steps {
		args, err := json.Marshal(substitute(step.Arguments, previous))
		if err != nil {
			exec.Status = models.ExecutionFailed
			exec.Error = fmt.Sprintf("step %d (%s): encode arguments: %v", i+1, step.Tool, err)
			return exec
		}
		if string(args) == "null" {
			args = json.RawMessage(`{}`)
		}
		result, err := e.tools.Invoke(ctx, step.Tool, args, integrations, r.CallerID)
		if err != nil {
			exec.Status = models.ExecutionFailed
			exec.Error = fmt.Sprintf("step %d (%s): %v", i+1, step.Tool, err)
			logger.Warn("routine step failed", "step", i+1, "tool", step.Tool, "error", err)
			return exec
		}
		exec.Results = append(exec.Results, models.StepResult{Tool: step.Tool, Result: result})
		previous = result
	}

	exec.Status = models.ExecutionCompleted
	if r.Summarize && e.completer != nil {
		summary, err := e.completer.QuickChat(ctx, e.summaryModel, summarySystemPrompt, summaryPrompt(r, exec.Results))
		if err != nil {
			logger.Warn("routine summary failed", "error", err)
		} else {
			exec.Summary = strings.TrimSpace(summary)
		}
	}
	logger.Info("routine completed", "steps", len(exec.Results))
	return exec
}

func (e *Engine) advance(ctx context.Context, logger *slog.Logger, r *models.Routine, now time.Time) {
	next, err := NextRun(r.Schedule, r.Timezone, now)
	if err != nil {
		logger.Error("routine schedule invalid; disabling", "schedule", r.Schedule, "error", err)
	}
	if err := e.store.MarkRun(ctx, r.ID, now, next); err != nil {
		logger.Error("advance routine schedule failed", "error", err)
	}
}

// substitute returns a copy of v with every occurrence of the previous-result
// placeholder in string values replaced, descending into maps and slices.
func substitute(v any, previous string) any {
	switch typed := v.(type) {
	case string:
		return strings.ReplaceAll(typed, models.PreviousResultPlaceholder, previous)
	case map[string]any:
		if typed == nil {
			return typed
		}
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = substitute(val, previous)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = substitute(val, previous)
		}
		return out
	default:
		return v
	}
}

func summaryPrompt(r *models.Routine, results []models.StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Routine %q finished. Step results:\n", r.Name)
	for i, res := range results {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, res.Tool, res.Result)
	}
	return b.String()
}
