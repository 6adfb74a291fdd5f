package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for model calls, tool dispatch,
// routine runs and the HTTP surface.
type Metrics struct {
	// LLMRequestDuration labels: provider, model, mode (chat|stream|quick)
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter labels: tool, status (success|error|denied|limited)
	ToolExecutionCounter *prometheus.CounterVec

	ToolExecutionDuration *prometheus.HistogramVec

	// TurnRounds observes how many model rounds each turn consumed.
	TurnRounds prometheus.Histogram

	// RoutineRunCounter labels: status (completed|failed)
	RoutineRunCounter *prometheus.CounterVec

	RoutineRunDuration prometheus.Histogram

	// CredentialRefreshCounter labels: provider, status (success|error)
	CredentialRefreshCounter *prometheus.CounterVec

	// HTTPRequestDuration labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. A nil reg uses the default
// Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concierge_llm_request_duration_seconds",
			Help:    "Duration of model API requests in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model", "mode"}),
		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_llm_requests_total",
			Help: "Model requests by provider, model and status",
		}, []string{"provider", "model", "status"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_llm_tokens_total",
			Help: "Tokens consumed by provider, model and type",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_tool_executions_total",
			Help: "Tool dispatches by tool and outcome",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concierge_tool_execution_duration_seconds",
			Help:    "Tool execution latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		TurnRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "concierge_turn_rounds",
			Help:    "Non-streaming model rounds used per conversation turn",
			Buckets: []float64{1, 2, 3, 4, 5},
		}),
		RoutineRunCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_routine_runs_total",
			Help: "Routine executions by final status",
		}, []string{"status"}),
		RoutineRunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "concierge_routine_run_duration_seconds",
			Help:    "Routine execution duration in seconds",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 300},
		}),
		CredentialRefreshCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concierge_credential_refreshes_total",
			Help: "OAuth token refresh attempts by provider and status",
		}, []string{"provider", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concierge_http_request_duration_seconds",
			Help:    "HTTP API request latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method", "path", "status_code"}),
	}
}

// RecordLLMRequest records one model call. Nil receivers are no-ops so
// components can run without metrics in tests.
func (m *Metrics) RecordLLMRequest(provider, model, mode string, elapsed time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequestDuration.WithLabelValues(provider, model, mode).Observe(elapsed.Seconds())
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordTool records one tool dispatch outcome.
func (m *Metrics) RecordTool(tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordTurn records how many rounds a turn used.
func (m *Metrics) RecordTurn(rounds int) {
	if m == nil {
		return
	}
	m.TurnRounds.Observe(float64(rounds))
}

// RecordRoutineRun records a finished routine execution.
func (m *Metrics) RecordRoutineRun(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RoutineRunCounter.WithLabelValues(status).Inc()
	m.RoutineRunDuration.Observe(elapsed.Seconds())
}

// RecordCredentialRefresh records a token refresh attempt.
func (m *Metrics) RecordCredentialRefresh(provider string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.CredentialRefreshCounter.WithLabelValues(provider, status).Inc()
}

// RecordHTTPRequest records one HTTP API request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(elapsed.Seconds())
}
