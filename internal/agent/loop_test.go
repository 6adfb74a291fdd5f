package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/concierge/pkg/models"
)

// scriptedProvider replays canned Chat responses and a canned stream.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*ChatResponse
	chatErr   error
	chatReqs  []*ChatRequest
	streamReq *ChatRequest

	streamText []string
	streamErr  error
	noDone     bool
	blockUntil chan struct{}

	title      string
	quickCalls int
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "scripted-1" }

func (p *scriptedProvider) Chat(_ context.Context, req *ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chatReqs = append(p.chatReqs, cloneRequest(req))
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	if len(p.responses) == 0 {
		return &ChatResponse{Message: models.ChatMessage{Role: models.RoleAssistant, Content: "ok"}, FinishReason: models.FinishStop}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error) {
	p.mu.Lock()
	p.streamReq = cloneRequest(req)
	p.mu.Unlock()

	out := make(chan *StreamChunk)
	go func() {
		defer close(out)
		send := func(c *StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, text := range p.streamText {
			if !send(&StreamChunk{Text: text}) {
				return
			}
		}
		if p.blockUntil != nil {
			select {
			case <-p.blockUntil:
			case <-ctx.Done():
				return
			}
		}
		if p.streamErr != nil {
			send(&StreamChunk{Err: p.streamErr})
			return
		}
		if p.noDone {
			return
		}
		send(&StreamChunk{Done: true, Usage: models.Usage{InputTokens: 10, OutputTokens: 5}})
	}()
	return out, nil
}

func (p *scriptedProvider) QuickChat(context.Context, string, string, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quickCalls++
	return p.title, nil
}

func cloneRequest(req *ChatRequest) *ChatRequest {
	c := *req
	c.Messages = append([]models.ChatMessage(nil), req.Messages...)
	c.Tools = append([]models.ToolDefinition(nil), req.Tools...)
	return &c
}

func toolCallResponse(calls ...models.ToolCall) *ChatResponse {
	return &ChatResponse{
		Message:      models.ChatMessage{Role: models.RoleAssistant, ToolCalls: calls},
		FinishReason: models.FinishToolCalls,
		Usage:        models.Usage{InputTokens: 3, OutputTokens: 2},
	}
}

type fakeDispatcher struct {
	mu      sync.Mutex
	results map[string]string
	calls   []string
	gated   map[string]models.Provider
}

func (d *fakeDispatcher) Definitions(integrations []models.ConnectedIntegration) []models.ToolDefinition {
	connected := map[models.Provider]bool{}
	for _, in := range integrations {
		connected[in.Provider] = true
	}
	defs := []models.ToolDefinition{{Name: "calculator", Parameters: json.RawMessage(`{"type":"object"}`)}}
	for name, provider := range d.gated {
		if connected[provider] {
			defs = append(defs, models.ToolDefinition{Name: name, Parameters: json.RawMessage(`{"type":"object"}`)})
		}
	}
	return defs
}

func (d *fakeDispatcher) Execute(_ context.Context, name string, _ json.RawMessage, _ []models.ConnectedIntegration, _ string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, name)
	if r, ok := d.results[name]; ok {
		return r
	}
	return `{"error":"unknown tool"}`
}

func (d *fakeDispatcher) StatusLabel(name string) string {
	return "Running " + name
}

type staticResolver []models.ConnectedIntegration

func (r staticResolver) Resolve(context.Context, string) ([]models.ConnectedIntegration, error) {
	return r, nil
}

type captureRecorder struct {
	mu      sync.Mutex
	records []*TurnRecord
}

func (r *captureRecorder) RecordTurn(_ context.Context, rec *TurnRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type memoryTitles struct {
	mu     sync.Mutex
	titles map[string]string
}

func (m *memoryTitles) ConversationTitle(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.titles[id], nil
}

func (m *memoryTitles) SetConversationTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles[id] = title
	return nil
}

type fixedRecaller []string

func (r fixedRecaller) Recall(context.Context, string, string, int) ([]string, error) {
	return r, nil
}

func newTestLoop(t *testing.T, p *scriptedProvider, d *fakeDispatcher, opts ...Option) *Loop {
	t.Helper()
	opts = append([]Option{WithNow(func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) })}, opts...)
	loop, err := NewLoop(map[string]Provider{"scripted": p}, "scripted", d, opts...)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return loop
}

func collect(t *testing.T, events <-chan *Event) []*Event {
	t.Helper()
	var out []*Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func userTurn(text string) *Turn {
	return &Turn{CallerID: "caller-1", ConversationID: "conv-1", Message: models.ChatMessage{Content: text}}
}

func TestLoopCapsModelRounds(t *testing.T) {
	call := models.ToolCall{ID: "c", Name: "calculator", Arguments: json.RawMessage(`{"expression":"1+1"}`)}
	p := &scriptedProvider{
		responses: []*ChatResponse{
			toolCallResponse(call), toolCallResponse(call), toolCallResponse(call), toolCallResponse(call),
		},
		streamText: []string{"done"},
	}
	d := &fakeDispatcher{results: map[string]string{"calculator": `{"result":2}`}}
	loop := newTestLoop(t, p, d)

	events, err := loop.Run(context.Background(), userTurn("keep calculating"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	if len(p.chatReqs) != DefaultMaxRounds {
		t.Fatalf("chat calls = %d, want %d", len(p.chatReqs), DefaultMaxRounds)
	}
	if len(d.calls) != DefaultMaxRounds {
		t.Fatalf("tool executions = %d, want %d", len(d.calls), DefaultMaxRounds)
	}
	if p.streamReq == nil || !p.streamReq.DisableToolUse {
		t.Fatal("final stream must forbid further tool use")
	}
	last := got[len(got)-1]
	if last.Type != EventDone || last.Rounds != DefaultMaxRounds {
		t.Fatalf("last event = %+v, want done after %d rounds", last, DefaultMaxRounds)
	}
}

func TestLoopCalendarAndSpotifyTurn(t *testing.T) {
	p := &scriptedProvider{
		responses: []*ChatResponse{
			toolCallResponse(
				models.ToolCall{ID: "t1", Name: "google_calendar_list_events", Arguments: json.RawMessage(`{"days":1}`)},
				models.ToolCall{ID: "t2", Name: "spotify_play", Arguments: json.RawMessage(`{"query":"focus"}`)},
			),
			{Message: models.ChatMessage{Role: models.RoleAssistant, Content: "ready"}, FinishReason: models.FinishStop},
		},
		streamText: []string{"You have standup at 10. ", "Playing focus music."},
	}
	d := &fakeDispatcher{
		results: map[string]string{
			"google_calendar_list_events": `{"events":[{"summary":"Standup","start":"10:00"}]}`,
			"spotify_play":                `{"playing":"Deep Focus"}`,
		},
		gated: map[string]models.Provider{
			"google_calendar_list_events": models.ProviderGoogle,
			"spotify_play":                models.ProviderSpotify,
		},
	}
	rec := &captureRecorder{}
	loop := newTestLoop(t, p, d,
		WithResolver(staticResolver{{Provider: models.ProviderGoogle}, {Provider: models.ProviderSpotify}}),
		WithRecorder(rec),
	)

	events, err := loop.Run(context.Background(), userTurn("What's on today? Also play focus music."))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)

	var statuses []string
	var text strings.Builder
	for _, ev := range got {
		switch ev.Type {
		case EventStatus:
			statuses = append(statuses, ev.Tool)
		case EventText:
			text.WriteString(ev.Text)
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if strings.Join(statuses, ",") != "google_calendar_list_events,spotify_play" {
		t.Fatalf("status order = %v", statuses)
	}
	if text.String() != "You have standup at 10. Playing focus music." {
		t.Fatalf("streamed text = %q", text.String())
	}
	if len(p.chatReqs[0].Tools) != 3 {
		t.Fatalf("tools offered = %d, want 3", len(p.chatReqs[0].Tools))
	}

	second := p.chatReqs[1].Messages
	if len(second) != 4 {
		t.Fatalf("second round messages = %d, want user+assistant+2 tool results", len(second))
	}
	if second[2].ToolCallID != "t1" || second[3].ToolCallID != "t2" {
		t.Fatalf("tool results out of order: %+v", second[2:])
	}

	if rec.count() != 1 {
		t.Fatalf("records = %d, want 1", rec.count())
	}
	record := rec.records[0]
	if n := len(record.Messages); n != 5 {
		t.Fatalf("persisted messages = %d, want 5", n)
	}
	if record.Messages[4].Content != text.String() {
		t.Fatalf("persisted answer = %q", record.Messages[4].Content)
	}
	// One tool round at 3/2, a prose round with no usage, and the stream at 10/5.
	if record.Usage.InputTokens != 13 || record.Usage.OutputTokens != 7 {
		t.Fatalf("usage = %+v", record.Usage)
	}
}

func TestLoopDoesNotPersistOnStreamError(t *testing.T) {
	tests := []struct {
		name string
		p    *scriptedProvider
	}{
		{"stream error", &scriptedProvider{streamText: []string{"partial"}, streamErr: errors.New("boom")}},
		{"closed without done", &scriptedProvider{streamText: []string{"partial"}, noDone: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &captureRecorder{}
			titles := &memoryTitles{titles: map[string]string{}}
			loop := newTestLoop(t, tt.p, &fakeDispatcher{}, WithRecorder(rec), WithTitles(titles, nil, ""))

			events, err := loop.Run(context.Background(), userTurn("hello"))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			got := collect(t, events)
			loop.Wait()

			last := got[len(got)-1]
			if last.Type != EventError {
				t.Fatalf("last event = %s, want error", last.Type)
			}
			var turnErr *TurnError
			if !errors.As(last.Err, &turnErr) || turnErr.Phase != PhaseStreaming {
				t.Fatalf("err = %v, want streaming TurnError", last.Err)
			}
			if rec.count() != 0 {
				t.Fatal("failed stream must not be persisted")
			}
			if tt.p.quickCalls != 0 {
				t.Fatal("failed stream must not trigger titling")
			}
		})
	}
}

func TestLoopChatErrorEndsTurn(t *testing.T) {
	p := &scriptedProvider{chatErr: errors.New("upstream 500")}
	rec := &captureRecorder{}
	loop := newTestLoop(t, p, &fakeDispatcher{}, WithRecorder(rec))

	events, err := loop.Run(context.Background(), userTurn("hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := collect(t, events)
	if len(got) != 1 || got[0].Type != EventError {
		t.Fatalf("events = %+v", got)
	}
	if p.streamReq != nil {
		t.Fatal("stream must not start after a failed round")
	}
	if rec.count() != 0 {
		t.Fatal("nothing should be persisted")
	}
}

func TestLoopCancellationStopsStream(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := &scriptedProvider{streamText: []string{"partial "}, blockUntil: block}
	rec := &captureRecorder{}
	loop := newTestLoop(t, p, &fakeDispatcher{}, WithRecorder(rec))

	ctx, cancel := context.WithCancel(context.Background())
	events, err := loop.Run(ctx, userTurn("hello"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	first := <-events
	if first.Type != EventText {
		t.Fatalf("first event = %s, want text", first.Type)
	}
	cancel()
	collect(t, events)

	if rec.count() != 0 {
		t.Fatal("cancelled turn must not be persisted")
	}
}

func TestLoopFoldsMemoriesIntoSystemPrompt(t *testing.T) {
	p := &scriptedProvider{streamText: []string{"hi"}}
	loop := newTestLoop(t, p, &fakeDispatcher{}, WithRecaller(fixedRecaller{"Prefers metric units", "  "}, 3))

	events, err := loop.Run(context.Background(), userTurn("what's the weather"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collect(t, events)

	system := p.chatReqs[0].System
	if !strings.Contains(system, "Things you remember about the user:\n- Prefers metric units") {
		t.Fatalf("system prompt missing memories:\n%s", system)
	}
	if strings.Count(system, "\n- ") != 1 {
		t.Fatalf("blank memories should be dropped:\n%s", system)
	}
}

func TestLoopGeneratesTitleInBackground(t *testing.T) {
	p := &scriptedProvider{streamText: []string{"Sure."}, title: "\"Weekend Plans.\"\nextra"}
	titles := &memoryTitles{titles: map[string]string{}}
	loop := newTestLoop(t, p, &fakeDispatcher{}, WithTitles(titles, nil, ""))

	events, err := loop.Run(context.Background(), userTurn("help me plan the weekend"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collect(t, events)
	loop.Wait()

	if got := titles.titles["conv-1"]; got != "Weekend Plans" {
		t.Fatalf("title = %q", got)
	}

	events, err = loop.Run(context.Background(), userTurn("and next weekend?"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collect(t, events)
	loop.Wait()
	if p.quickCalls != 1 {
		t.Fatalf("quick calls = %d, existing title must not be regenerated", p.quickCalls)
	}
}

func TestLoopTitlesWithConfiguredProvider(t *testing.T) {
	p := &scriptedProvider{streamText: []string{"Sure."}, title: "premium"}
	cheap := &scriptedProvider{title: "Grocery List"}
	titles := &memoryTitles{titles: map[string]string{}}
	loop := newTestLoop(t, p, &fakeDispatcher{}, WithTitles(titles, cheap, "mini"))

	events, err := loop.Run(context.Background(), userTurn("what do I need for pancakes"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collect(t, events)
	loop.Wait()

	if got := titles.titles["conv-1"]; got != "Grocery List" {
		t.Fatalf("title = %q", got)
	}
	if p.quickCalls != 0 || cheap.quickCalls != 1 {
		t.Fatalf("quick calls: default=%d title provider=%d", p.quickCalls, cheap.quickCalls)
	}
}

func TestLoopCloseStopsBackgroundTitles(t *testing.T) {
	p := &scriptedProvider{streamText: []string{"Sure."}, title: "Late Title"}
	titles := &memoryTitles{titles: map[string]string{}}
	loop := newTestLoop(t, p, &fakeDispatcher{}, WithTitles(titles, nil, ""))
	loop.Close()

	events, err := loop.Run(context.Background(), userTurn("one more question"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	collect(t, events)
	loop.Wait()

	if p.quickCalls != 0 || titles.titles["conv-1"] != "" {
		t.Fatalf("no title work should start after Close (calls=%d)", p.quickCalls)
	}
}

func TestLoopRejectsInvalidTurns(t *testing.T) {
	loop := newTestLoop(t, &scriptedProvider{}, &fakeDispatcher{})
	if _, err := loop.Run(context.Background(), userTurn("   ")); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	turn := userTurn("hi")
	turn.Provider = "missing"
	if _, err := loop.Run(context.Background(), turn); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Trip to Lisbon", "Trip to Lisbon"},
		{"  \"Budget Review.\"  ", "Budget Review"},
		{"Title: Weekly sync\nmore", "Weekly sync"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanTitle(tt.in); got != tt.want {
			t.Errorf("CleanTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
