package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/pkg/models"
)

// RoutineService creates and lists a caller's routines.
type RoutineService interface {
	CreateRoutine(ctx context.Context, routine *models.Routine) (*models.Routine, error)
	ListRoutines(ctx context.Context, callerID string) ([]*models.Routine, error)
}

type routineSummary struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Schedule string            `json:"schedule"`
	Timezone string            `json:"timezone,omitempty"`
	Steps    []models.ToolStep `json:"steps"`
	Enabled  bool              `json:"enabled"`
	NextRun  time.Time         `json:"next_run"`
	LastRun  *time.Time        `json:"last_run,omitempty"`
}

func summarizeRoutine(r *models.Routine) routineSummary {
	s := routineSummary{
		ID:       r.ID,
		Name:     r.Name,
		Schedule: r.Schedule,
		Timezone: r.Timezone,
		Steps:    r.Steps,
		Enabled:  r.Enabled,
		NextRun:  r.NextRun,
	}
	if !r.LastRun.IsZero() {
		last := r.LastRun
		s.LastRun = &last
	}
	return s
}

func routineTools(svc RoutineService) []tools.Tool {
	return []tools.Tool{
		{
			Name: "create_routine",
			Description: "Create a scheduled routine: a named sequence of tool calls run on a 5-field cron schedule. " +
				"A string argument may contain {{PREVIOUS_RESULT}} to insert the previous step's result.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"schedule": {"type": "string", "minLength": 1, "description": "Cron expression, e.g. 0 8 * * 1-5"},
					"timezone": {"type": "string", "description": "IANA timezone for the schedule (default UTC)"},
					"summarize": {"type": "boolean", "description": "Summarize each run's results"},
					"steps": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"properties": {
								"tool": {"type": "string", "minLength": 1},
								"arguments": {"type": "object"}
							},
							"required": ["tool"]
						}
					}
				},
				"required": ["name", "schedule", "steps"]
			}`),
			Status: "Setting up the routine...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					Name      string            `json:"name"`
					Schedule  string            `json:"schedule"`
					Timezone  string            `json:"timezone"`
					Summarize bool              `json:"summarize"`
					Steps     []models.ToolStep `json:"steps"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				routine, err := svc.CreateRoutine(ctx, &models.Routine{
					CallerID:  call.CallerID,
					Name:      args.Name,
					Schedule:  args.Schedule,
					Timezone:  args.Timezone,
					Steps:     args.Steps,
					Summarize: args.Summarize,
					Enabled:   true,
				})
				if err != nil {
					return nil, tools.Errorf("create routine: %v", err)
				}
				return map[string]any{"created": true, "routine": summarizeRoutine(routine)}, nil
			},
		},
		{
			Name:        "list_routines",
			Description: "List the caller's scheduled routines.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Status:      "Looking up your routines...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				routines, err := svc.ListRoutines(ctx, call.CallerID)
				if err != nil {
					return nil, err
				}
				out := make([]routineSummary, 0, len(routines))
				for _, r := range routines {
					out = append(out, summarizeRoutine(r))
				}
				return map[string]any{"routines": out, "count": len(out)}, nil
			},
		},
	}
}
