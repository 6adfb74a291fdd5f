// Package agent runs conversation turns: bounded rounds of non-streaming
// model calls interleaved with sequential tool execution, followed by one
// streaming call for the user-visible answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/pkg/models"
)

const (
	// DefaultMaxRounds bounds non-streaming model calls per turn.
	DefaultMaxRounds = 3

	defaultMaxTokens    = 4096
	defaultRecallK      = 5
	defaultTitleTimeout = 30 * time.Second
	eventBuffer         = 32
)

// ToolDispatcher exposes and executes the tools available to a caller.
type ToolDispatcher interface {
	Definitions(integrations []models.ConnectedIntegration) []models.ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage, integrations []models.ConnectedIntegration, callerID string) string
	StatusLabel(name string) string
}

// IntegrationResolver returns the caller's currently usable integrations.
type IntegrationResolver interface {
	Resolve(ctx context.Context, callerID string) ([]models.ConnectedIntegration, error)
}

// TurnRecorder persists a completed turn and its usage.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, record *TurnRecord) error
}

// TitleStore reads and writes conversation titles.
type TitleStore interface {
	ConversationTitle(ctx context.Context, conversationID string) (string, error)
	SetConversationTitle(ctx context.Context, conversationID, title string) error
}

// Turn is one user message to answer.
type Turn struct {
	CallerID       string
	ConversationID string

	// Provider and Model select the backend; empty values use defaults.
	Provider string
	Model    string

	History []models.ChatMessage
	Message models.ChatMessage
}

// TurnRecord is everything produced by a successful turn.
type TurnRecord struct {
	CallerID       string
	ConversationID string
	Provider       string
	Model          string

	// Messages holds the user message, any assistant tool-call messages,
	// tool results and the final answer, in order.
	Messages    []models.ChatMessage
	Usage       models.Usage
	Rounds      int
	CompletedAt time.Time
}

// EventType identifies a turn event.
type EventType string

const (
	EventStatus EventType = "status"
	EventText   EventType = "text"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Event is emitted on the channel returned by Loop.Run. The channel always
// ends with exactly one EventDone or EventError unless ctx is cancelled.
type Event struct {
	Type   EventType
	Status string
	Tool   string
	Text   string
	Usage  models.Usage
	Rounds int
	Err    error
}

// Loop runs conversation turns against a set of providers.
type Loop struct {
	providers       map[string]Provider
	defaultProvider string
	tools           ToolDispatcher

	resolver     IntegrationResolver
	recorder     TurnRecorder
	recaller     Recaller
	recallK      int
	titles        TitleStore
	titleProvider Provider
	titleModel    string
	titleTimeout  time.Duration

	systemPrompt string
	maxRounds    int
	maxTokens    int
	temperature  float64

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time

	bgMu       sync.Mutex
	closed     bool
	background sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger configures the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records model and turn metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithTracer records spans for turns and model calls.
func WithTracer(t *observability.Tracer) Option {
	return func(l *Loop) { l.tracer = t }
}

// WithResolver supplies per-turn integration credentials.
func WithResolver(r IntegrationResolver) Option {
	return func(l *Loop) { l.resolver = r }
}

// WithRecorder persists completed turns.
func WithRecorder(r TurnRecorder) Option {
	return func(l *Loop) { l.recorder = r }
}

// WithRecaller folds up to k recalled memories into the system prompt.
func WithRecaller(r Recaller, k int) Option {
	return func(l *Loop) {
		l.recaller = r
		if k > 0 {
			l.recallK = k
		}
	}
}

// WithTitles enables background conversation titling with provider and
// model. A nil provider uses the default provider; an empty model uses the
// provider's default model.
func WithTitles(store TitleStore, provider Provider, model string) Option {
	return func(l *Loop) {
		l.titles = store
		l.titleProvider = provider
		l.titleModel = model
	}
}

// WithSystemPrompt overrides DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(l *Loop) { l.systemPrompt = prompt }
}

// WithMaxRounds overrides DefaultMaxRounds.
func WithMaxRounds(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxRounds = n
		}
	}
}

// WithGeneration sets max tokens and temperature for every model call.
func WithGeneration(maxTokens int, temperature float64) Option {
	return func(l *Loop) {
		if maxTokens > 0 {
			l.maxTokens = maxTokens
		}
		l.temperature = temperature
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLoop creates a loop. defaultProvider must be a key of providers.
func NewLoop(providers map[string]Provider, defaultProvider string, tools ToolDispatcher, opts ...Option) (*Loop, error) {
	if tools == nil {
		return nil, fmt.Errorf("tool dispatcher is required")
	}
	if _, ok := providers[defaultProvider]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, defaultProvider)
	}
	l := &Loop{
		providers:       providers,
		defaultProvider: defaultProvider,
		tools:           tools,
		recallK:         defaultRecallK,
		titleTimeout:    defaultTitleTimeout,
		maxRounds:       DefaultMaxRounds,
		maxTokens:       defaultMaxTokens,
		logger:          slog.Default().With("component", "agent"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Provider returns the named provider, or the default when name is empty.
func (l *Loop) Provider(name string) (Provider, error) {
	if name == "" {
		name = l.defaultProvider
	}
	p, ok := l.providers[name]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, name)
	}
	return p, nil
}

// Tools returns the tool definitions a caller would be offered right now.
func (l *Loop) Tools(ctx context.Context, callerID string) []models.ToolDefinition {
	return l.tools.Definitions(l.resolveIntegrations(ctx, callerID))
}

// Run starts a turn and returns its event stream. Validation errors are
// returned directly; everything after that is reported as an EventError.
func (l *Loop) Run(ctx context.Context, turn *Turn) (<-chan *Event, error) {
	if turn == nil || (strings.TrimSpace(turn.Message.Content) == "" && len(turn.Message.Attachments) == 0) {
		return nil, ErrEmptyMessage
	}
	provider, err := l.Provider(turn.Provider)
	if err != nil {
		return nil, err
	}

	events := make(chan *Event, eventBuffer)
	go func() {
		defer close(events)
		l.run(ctx, provider, turn, events)
	}()
	return events, nil
}

// Wait blocks until detached background work (titles) has finished.
func (l *Loop) Wait() {
	l.bgMu.Lock()
	defer l.bgMu.Unlock()
	l.background.Wait()
}

// Close stops new background work and waits for the running work.
func (l *Loop) Close() {
	l.bgMu.Lock()
	l.closed = true
	l.bgMu.Unlock()
	l.background.Wait()
}

// goBackground runs fn on a tracked goroutine unless Wait was called.
func (l *Loop) goBackground(fn func()) bool {
	l.bgMu.Lock()
	defer l.bgMu.Unlock()
	if l.closed {
		return false
	}
	l.background.Add(1)
	go func() {
		defer l.background.Done()
		fn()
	}()
	return true
}

func (l *Loop) run(ctx context.Context, provider Provider, turn *Turn, events chan<- *Event) {
	ctx, span := l.tracer.Start(ctx, "agent.turn",
		attribute.String("provider", provider.Name()),
		attribute.String("conversation_id", turn.ConversationID),
	)
	var turnErr error
	defer func() { observability.End(span, turnErr) }()

	emit := func(ev *Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(phase TurnPhase, round int, cause error) {
		turnErr = &TurnError{Phase: phase, Round: round, Cause: cause}
		l.logger.Error("turn failed",
			"caller_id", turn.CallerID,
			"conversation_id", turn.ConversationID,
			"phase", phase,
			"round", round,
			"error", cause,
		)
		emit(&Event{Type: EventError, Err: turnErr, Rounds: round})
	}

	model := turn.Model
	if model == "" {
		model = provider.DefaultModel()
	}
	integrations := l.resolveIntegrations(ctx, turn.CallerID)
	system := BuildSystemPrompt(l.systemPrompt, l.now(), integrations, l.recall(ctx, turn))
	tools := l.tools.Definitions(integrations)

	userMsg := turn.Message
	userMsg.Role = models.RoleUser
	messages := make([]models.ChatMessage, 0, len(turn.History)+8)
	messages = append(messages, turn.History...)
	messages = append(messages, userMsg)
	produced := []models.ChatMessage{userMsg}

	var usage models.Usage
	rounds := 0
	for rounds < l.maxRounds {
		if err := ctx.Err(); err != nil {
			fail(PhaseAwaitingModel, rounds, err)
			return
		}
		rounds++
		resp, err := l.chat(ctx, provider, &ChatRequest{
			Model:       model,
			System:      system,
			Messages:    messages,
			Tools:       tools,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			fail(PhaseAwaitingModel, rounds, err)
			return
		}
		usage.Add(resp.Usage)
		if resp.FinishReason != models.FinishToolCalls || !resp.Message.HasToolCalls() {
			break
		}

		assistant := resp.Message
		assistant.Role = models.RoleAssistant
		messages = append(messages, assistant)
		produced = append(produced, assistant)

		for _, call := range assistant.ToolCalls {
			if err := ctx.Err(); err != nil {
				fail(PhaseExecutingTools, rounds, err)
				return
			}
			emit(&Event{Type: EventStatus, Status: l.tools.StatusLabel(call.Name), Tool: call.Name})
			result := l.tools.Execute(ctx, call.Name, call.Arguments, integrations, turn.CallerID)
			toolMsg := models.ChatMessage{Role: models.RoleTool, ToolCallID: call.ID, Content: result}
			messages = append(messages, toolMsg)
			produced = append(produced, toolMsg)
		}

		if rounds == l.maxRounds {
			l.logger.Info("round cap reached, streaming with accumulated history",
				"caller_id", turn.CallerID,
				"rounds", rounds,
			)
		}
	}

	streamReq := &ChatRequest{
		Model:          model,
		System:         system,
		Messages:       messages,
		Tools:          tools,
		DisableToolUse: len(tools) > 0,
		MaxTokens:      l.maxTokens,
		Temperature:    l.temperature,
	}
	answer, streamUsage, err := l.stream(ctx, provider, streamReq, emit)
	if err != nil {
		fail(PhaseStreaming, rounds, err)
		return
	}
	usage.Add(streamUsage)

	final := models.ChatMessage{Role: models.RoleAssistant, Content: answer}
	produced = append(produced, final)
	l.metrics.RecordTurn(rounds)

	if l.recorder != nil {
		record := &TurnRecord{
			CallerID:       turn.CallerID,
			ConversationID: turn.ConversationID,
			Provider:       provider.Name(),
			Model:          model,
			Messages:       produced,
			Usage:          usage,
			Rounds:         rounds,
			CompletedAt:    l.now(),
		}
		if err := l.recorder.RecordTurn(context.WithoutCancel(ctx), record); err != nil {
			l.logger.Error("persist turn failed",
				"caller_id", turn.CallerID,
				"conversation_id", turn.ConversationID,
				"error", err,
			)
		}
	}
	l.titleInBackground(turn.ConversationID, userMsg.Content, answer)

	emit(&Event{Type: EventDone, Usage: usage, Rounds: rounds})
}

func (l *Loop) chat(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, error) {
	ctx, span := l.tracer.Start(ctx, "llm.chat",
		attribute.String("provider", p.Name()),
		attribute.String("model", req.Model),
		attribute.Int("tools", len(req.Tools)),
	)
	start := time.Now()
	resp, err := p.Chat(ctx, req)
	var u models.Usage
	if resp != nil {
		u = resp.Usage
	}
	l.metrics.RecordLLMRequest(p.Name(), req.Model, "chat", time.Since(start), u.InputTokens, u.OutputTokens, err)
	observability.End(span, err)
	return resp, err
}

func (l *Loop) stream(ctx context.Context, p Provider, req *ChatRequest, emit func(*Event) bool) (string, models.Usage, error) {
	ctx, span := l.tracer.Start(ctx, "llm.stream",
		attribute.String("provider", p.Name()),
		attribute.String("model", req.Model),
	)
	start := time.Now()
	var (
		answer strings.Builder
		usage  models.Usage
		err    error
	)
	defer func() {
		l.metrics.RecordLLMRequest(p.Name(), req.Model, "stream", time.Since(start), usage.InputTokens, usage.OutputTokens, err)
		observability.End(span, err)
	}()

	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return "", usage, err
	}
	completed := false
	for chunk := range chunks {
		if chunk.Err != nil {
			err = chunk.Err
			return "", usage, err
		}
		if chunk.Text != "" {
			answer.WriteString(chunk.Text)
			if !emit(&Event{Type: EventText, Text: chunk.Text}) {
				err = ctx.Err()
				return "", usage, err
			}
		}
		if chunk.Done {
			usage = chunk.Usage
			completed = true
		}
	}
	if !completed {
		err = ErrStreamInterrupted
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return "", usage, err
	}
	return answer.String(), usage, nil
}

func (l *Loop) resolveIntegrations(ctx context.Context, callerID string) []models.ConnectedIntegration {
	if l.resolver == nil || callerID == "" {
		return nil
	}
	integrations, err := l.resolver.Resolve(ctx, callerID)
	if err != nil {
		l.logger.Warn("resolve integrations failed", "caller_id", callerID, "error", err)
		return nil
	}
	return integrations
}

func (l *Loop) recall(ctx context.Context, turn *Turn) []string {
	if l.recaller == nil || strings.TrimSpace(turn.Message.Content) == "" {
		return nil
	}
	memories, err := l.recaller.Recall(ctx, turn.CallerID, turn.Message.Content, l.recallK)
	if err != nil {
		l.logger.Warn("memory recall failed", "caller_id", turn.CallerID, "error", err)
		return nil
	}
	return memories
}
