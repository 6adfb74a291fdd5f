package agent

import (
	"errors"
	"fmt"
)

// Common sentinel errors for conversation turns.
var (
	// ErrNoProvider indicates the requested model provider is not configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrEmptyMessage indicates a turn was started without user content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrStreamInterrupted indicates the final stream closed without completing.
	ErrStreamInterrupted = errors.New("stream ended before completion")
)

// TurnPhase is the state of a conversation turn when something went wrong.
type TurnPhase string

const (
	// PhaseAwaitingModel is a non-streaming model call.
	PhaseAwaitingModel TurnPhase = "awaiting_model"

	// PhaseExecutingTools is sequential tool dispatch.
	PhaseExecutingTools TurnPhase = "executing_tools"

	// PhaseStreaming is the final streaming call.
	PhaseStreaming TurnPhase = "streaming"

	// PhaseDone is reached after a successful stream.
	PhaseDone TurnPhase = "done"
)

// TurnError wraps a turn-fatal failure with the phase and round it happened in.
type TurnError struct {
	Phase TurnPhase
	Round int
	Cause error
}

func (e *TurnError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("turn failed at %s (round %d)", e.Phase, e.Round)
	}
	return fmt.Sprintf("turn failed at %s (round %d): %v", e.Phase, e.Round, e.Cause)
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error {
	return e.Cause
}

// PublicMessage is the text safe to show an end user for err.
func PublicMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoProvider):
		return "The selected model provider is not available."
	case errors.Is(err, ErrEmptyMessage):
		return "Message is empty."
	default:
		return "Something went wrong while generating a response. Please try again."
	}
}
