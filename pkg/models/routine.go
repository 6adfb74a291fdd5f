package models

import "time"

// Routine is a user-defined, cron-scheduled sequence of tool steps.
type Routine struct {
	ID        string     `json:"id"`
	CallerID  string     `json:"caller_id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Timezone  string     `json:"timezone,omitempty"`
	Steps     []ToolStep `json:"steps"`
	Summarize bool       `json:"summarize,omitempty"`
	Enabled   bool       `json:"enabled"`
	NextRun   time.Time  `json:"next_run"`
	LastRun   time.Time  `json:"last_run,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the routine.
func (r *Routine) Clone() *Routine {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Steps != nil {
		clone.Steps = make([]ToolStep, len(r.Steps))
		for i, step := range r.Steps {
			clone.Steps[i] = ToolStep{Tool: step.Tool, Arguments: cloneValue(step.Arguments).(map[string]any)}
		}
	}
	return &clone
}

// ToolStep is one tool invocation inside a routine. String argument values
// may reference the previous step's result with PreviousResultPlaceholder.
type ToolStep struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// PreviousResultPlaceholder is replaced with the prior step's raw result.
const PreviousResultPlaceholder = "{{PREVIOUS_RESULT}}"

// ExecutionStatus is the lifecycle state of a routine execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// StepResult records the raw output of one completed routine step.
type StepResult struct {
	Tool   string `json:"tool"`
	Result string `json:"result"`
}

// RoutineExecution is the record of one routine run.
type RoutineExecution struct {
	ID         string          `json:"id"`
	RoutineID  string          `json:"routine_id"`
	CallerID   string          `json:"caller_id"`
	Status     ExecutionStatus `json:"status"`
	Results    []StepResult    `json:"results"`
	Error      string          `json:"error,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}

// Clone returns a copy of the execution with its own results slice.
func (e *RoutineExecution) Clone() *RoutineExecution {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Results != nil {
		clone.Results = append([]StepResult(nil), e.Results...)
	}
	return &clone
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		if typed == nil {
			return map[string]any(nil)
		}
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
