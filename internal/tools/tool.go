// Package tools holds the tool registry: the built-in and integration-gated
// tools a model may call, argument validation, dispatch and daily metering.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/concierge/pkg/models"
)

var (
	// ErrUnknownTool is returned for names that are not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNotConnected is returned when a gated tool's provider has no usable credential.
	ErrNotConnected = errors.New("provider not connected")
)

// Call is the input to a tool handler.
type Call struct {
	Args         json.RawMessage
	Integrations []models.ConnectedIntegration
	CallerID     string
}

// Integration returns the caller's connection for provider, if any.
func (c Call) Integration(provider models.Provider) (models.ConnectedIntegration, bool) {
	for _, in := range c.Integrations {
		if in.Provider == provider {
			return in, true
		}
	}
	return models.ConnectedIntegration{}, false
}

// Require returns the caller's connection for provider or an ErrNotConnected
// tool error.
func (c Call) Require(provider models.Provider) (models.ConnectedIntegration, error) {
	in, ok := c.Integration(provider)
	if !ok || in.Token == "" {
		return in, &Error{Message: fmt.Sprintf("%s is not connected", provider), Cause: ErrNotConnected}
	}
	return in, nil
}

// Bind decodes the arguments into v. Empty arguments decode as {}.
func (c Call) Bind(v any) error {
	args := c.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return Errorf("invalid arguments: %v", err)
	}
	return nil
}

// Handler executes one tool call. The result is JSON-encoded by the
// registry unless it is already a string or json.RawMessage.
type Handler func(ctx context.Context, call Call) (any, error)

// Tool is one registry entry.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage

	// Provider gates the tool; empty means built-in.
	Provider models.Provider

	// Status is the progress label shown while the tool runs.
	Status string

	Handler Handler
}

// Definition returns the schema advertised to models.
func (t Tool) Definition() models.ToolDefinition {
	return models.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// Error is a tool failure reported to the model. Fields are merged into the
// {"error": ...} object.
type Error struct {
	Message string
	Fields  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Errorf builds a tool Error.
func Errorf(format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Message: err.Error(), Cause: errors.Unwrap(err)}
}

// ErrorJSON renders err as the {"error": ...} string handed back to models.
func ErrorJSON(err error) string {
	payload := map[string]any{}
	var toolErr *Error
	if errors.As(err, &toolErr) {
		for k, v := range toolErr.Fields {
			payload[k] = v
		}
		payload["error"] = toolErr.Message
	} else if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["error"] = "unknown error"
	}
	data, mErr := json.Marshal(payload)
	if mErr != nil {
		return `{"error":"tool failed"}`
	}
	return string(data)
}

func encodeResult(result any) (string, error) {
	switch v := result.(type) {
	case nil:
		return `{}`, nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
