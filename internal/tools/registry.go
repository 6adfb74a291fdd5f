package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/ratelimit"
	"github.com/haasonsaas/concierge/pkg/models"
)

const defaultTimeout = 30 * time.Second

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to handlers. Registration happens at startup;
// lookups are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry

	meter  *ratelimit.DailyMeter
	limits map[string]int

	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger configures the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records per-tool execution metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithTracer records a span per tool execution.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithTimeout bounds each handler call.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithDailyLimits meters the named tools per caller per UTC day.
func WithDailyLimits(meter *ratelimit.DailyMeter, limits map[string]int) Option {
	return func(r *Registry) {
		r.meter = meter
		r.limits = make(map[string]int, len(limits))
		for name, limit := range limits {
			r.limits[name] = limit
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]*entry),
		timeout: defaultTimeout,
		logger:  slog.Default().With("component", "tools"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds tools, compiling each parameter schema once.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tool := range tools {
		if strings.TrimSpace(tool.Name) == "" {
			return errors.New("tool name is required")
		}
		if tool.Handler == nil {
			return fmt.Errorf("tool %s: handler is required", tool.Name)
		}
		if _, exists := r.tools[tool.Name]; exists {
			return fmt.Errorf("tool %s: already registered", tool.Name)
		}
		if len(tool.Parameters) == 0 {
			tool.Parameters = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		schema, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.Parameters))
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", tool.Name, err)
		}
		r.tools[tool.Name] = &entry{tool: tool, schema: schema}
	}
	return nil
}

// Names returns every registered tool name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the built-in tools plus the gated tools whose provider
// appears in integrations, sorted by name. It depends only on the set of
// connected providers.
func (r *Registry) Definitions(integrations []models.ConnectedIntegration) []models.ToolDefinition {
	connected := connectedSet(integrations)
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]models.ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		if e.tool.Provider != "" && !connected[e.tool.Provider] {
			continue
		}
		defs = append(defs, e.tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// StatusLabel returns the progress label for name.
func (r *Registry) StatusLabel(name string) string {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "Working on it..."
	}
	if e.tool.Status != "" {
		return e.tool.Status
	}
	return defaultStatus(name)
}

// Execute runs a tool and always returns a string. Failures of any kind are
// rendered as {"error": ...}.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, integrations []models.ConnectedIntegration, callerID string) string {
	result, err := r.Invoke(ctx, name, args, integrations, callerID)
	if err != nil {
		return ErrorJSON(err)
	}
	return result
}

// Invoke runs a tool and reports failure as an error. Handler panics are
// recovered and returned as errors.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage, integrations []models.ConnectedIntegration, callerID string) (result string, err error) {
	start := time.Now()
	status := "ok"
	ctx, span := r.tracer.Start(ctx, "tool.execute", attribute.String("tool", name))
	defer func() {
		if err != nil && status == "ok" {
			status = "error"
		}
		r.metrics.RecordTool(name, status, time.Since(start))
		observability.End(span, err)
		if err != nil {
			r.logger.Warn("tool failed", "tool", name, "caller_id", callerID, "status", status, "error", err)
		}
	}()

	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		status = "unknown"
		return "", &Error{Message: fmt.Sprintf("unknown tool: %s", name), Cause: ErrUnknownTool}
	}

	tool := e.tool
	if tool.Provider != "" && !connectedSet(integrations)[tool.Provider] {
		status = "denied"
		return "", &Error{
			Message: fmt.Sprintf("%s is not connected; connect it in settings to use %s", tool.Provider, name),
			Cause:   ErrNotConnected,
		}
	}

	if err := validateArgs(e.schema, args); err != nil {
		status = "invalid"
		return "", &Error{Message: "invalid arguments: " + err.Error(), Cause: err}
	}

	limit := r.limits[name]
	metered := limit > 0 && r.meter != nil
	if metered {
		quota, err := r.meter.Check(ctx, callerID, name, limit)
		if errors.Is(err, ratelimit.ErrQuotaExceeded) {
			status = "limited"
			return "", &Error{
				Message: fmt.Sprintf("daily limit of %d reached for %s", limit, name),
				Fields:  map[string]any{"remaining": quota.Remaining, "limit": quota.Limit},
				Cause:   err,
			}
		}
		if err != nil {
			return "", fmt.Errorf("check daily limit: %w", err)
		}
	}

	out, err := r.call(ctx, tool, Call{Args: args, Integrations: integrations, CallerID: callerID})
	if err != nil {
		return "", err
	}
	encoded, err := encodeResult(out)
	if err != nil {
		return "", err
	}

	if metered {
		if _, err := r.meter.Consume(ctx, callerID, name, limit); err != nil {
			r.logger.Error("record tool usage failed", "tool", name, "caller_id", callerID, "error", err)
		}
	}
	return encoded, nil
}

func (r *Registry) call(ctx context.Context, tool Tool, call Call) (out any, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, rec)
		}
	}()
	return tool.Handler(ctx, call)
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	var payload any
	if len(args) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(args, &payload); err != nil {
		return err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if _, ok := payload.(map[string]any); !ok {
		return errors.New("arguments must be a JSON object")
	}
	if schema == nil {
		return nil
	}
	return schema.Validate(payload)
}

func connectedSet(integrations []models.ConnectedIntegration) map[models.Provider]bool {
	set := make(map[models.Provider]bool, len(integrations))
	for _, in := range integrations {
		set[in.Provider] = true
	}
	return set
}
