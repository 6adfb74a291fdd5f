package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/internal/auth"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/ratelimit"
	"github.com/haasonsaas/concierge/internal/routines"
	"github.com/haasonsaas/concierge/internal/storage"
	"github.com/haasonsaas/concierge/pkg/models"
)

type fakeChat struct {
	mu     sync.Mutex
	turns  []*agent.Turn
	events []*agent.Event
	err    error
}

func (f *fakeChat) Run(_ context.Context, turn *agent.Turn) (<-chan *agent.Event, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan *agent.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeChat) Tools(_ context.Context, callerID string) []models.ToolDefinition {
	return []models.ToolDefinition{{Name: "calculator"}, {Name: "get_current_datetime"}}
}

func (f *fakeChat) lastTurn(t *testing.T) *agent.Turn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.turns) == 0 {
		t.Fatal("no turn was started")
	}
	return f.turns[len(f.turns)-1]
}

type fakeTicker struct {
	calls int
	err   error
}

func (f *fakeTicker) Tick(context.Context) (routines.TickReport, error) {
	f.calls++
	return routines.TickReport{Due: 2, Completed: 1, Failed: 1}, f.err
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestServer(t *testing.T, chat Chatter, opts ...Option) http.Handler {
	t.Helper()
	base := []Option{
		WithLogger(quiet),
		WithAuth(auth.NewService(auth.Config{APIKeys: []auth.APIKeyConfig{
			{Key: "alice-key", UserID: "alice"},
			{Key: "bob-key", UserID: "bob"},
		}})),
	}
	s, err := NewServer(Config{RoutineSecret: "tick-secret"}, chat, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s.Handler()
}

func do(h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	return events
}

func TestChatStreamsEvents(t *testing.T) {
	chat := &fakeChat{events: []*agent.Event{
		{Type: agent.EventStatus, Status: "Calculating...", Tool: "calculator"},
		{Type: agent.EventText, Text: "It is "},
		{Type: agent.EventText, Text: "4."},
		{Type: agent.EventDone, Usage: models.Usage{InputTokens: 30, OutputTokens: 5}, Rounds: 2},
	}}
	h := newTestServer(t, chat)

	rec := do(h, http.MethodPost, "/v1/chat", "alice-key", `{"message":"what is 2+2?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	convID := rec.Header().Get("X-Conversation-ID")
	if convID == "" {
		t.Fatal("a conversation id should be generated")
	}

	events := parseSSE(t, rec.Body.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	if got := strings.Join(names, ","); got != "status,text,text,done" {
		t.Fatalf("events = %s", got)
	}
	var done donePayload
	if err := json.Unmarshal([]byte(events[3].data), &done); err != nil {
		t.Fatalf("done payload: %v", err)
	}
	if done.ConversationID != convID || done.Rounds != 2 || done.Usage.InputTokens != 30 {
		t.Fatalf("done = %+v", done)
	}

	turn := chat.lastTurn(t)
	if turn.CallerID != "alice" || turn.Message.Role != models.RoleUser || turn.Message.Content != "what is 2+2?" {
		t.Fatalf("turn = %+v", turn)
	}
}

func TestChatErrorEventIsPublic(t *testing.T) {
	chat := &fakeChat{events: []*agent.Event{
		{Type: agent.EventError, Err: errors.New("anthropic: 529 overloaded upstream-secret-detail")},
	}}
	rec := do(newTestServer(t, chat), http.MethodPost, "/v1/chat", "alice-key", `{"message":"hi"}`)
	events := parseSSE(t, rec.Body.String())
	if len(events) != 1 || events[0].name != "error" {
		t.Fatalf("events = %+v", events)
	}
	if strings.Contains(events[0].data, "upstream-secret-detail") {
		t.Fatalf("internal error leaked: %s", events[0].data)
	}
}

func TestChatRejects(t *testing.T) {
	tests := []struct {
		name   string
		chat   *fakeChat
		key    string
		body   string
		status int
	}{
		{"no credentials", &fakeChat{}, "", `{"message":"hi"}`, http.StatusUnauthorized},
		{"empty message", &fakeChat{}, "alice-key", `{"message":"  "}`, http.StatusBadRequest},
		{"bad json", &fakeChat{}, "alice-key", `{"message":`, http.StatusBadRequest},
		{"unknown provider", &fakeChat{err: agent.ErrNoProvider}, "alice-key", `{"message":"hi","provider":"bedrock"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(newTestServer(t, tt.chat), http.MethodPost, "/v1/chat", tt.key, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestChatLoadsHistoryForOwnConversation(t *testing.T) {
	store := storage.NewMemoryConversationStore()
	err := store.RecordTurn(context.Background(), &agent.TurnRecord{
		CallerID:       "alice",
		ConversationID: "conv-1",
		Messages: []models.ChatMessage{
			{Role: models.RoleUser, Content: "remember the number 7"},
			{Role: models.RoleAssistant, Content: "Noted."},
		},
		CompletedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	chat := &fakeChat{events: []*agent.Event{{Type: agent.EventDone}}}
	h := newTestServer(t, chat, WithConversations(store))

	rec := do(h, http.MethodPost, "/v1/chat", "alice-key", `{"conversation_id":"conv-1","message":"what number?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if turn := chat.lastTurn(t); len(turn.History) != 2 || turn.ConversationID != "conv-1" {
		t.Fatalf("history = %+v", turn.History)
	}

	rec = do(h, http.MethodPost, "/v1/chat", "bob-key", `{"conversation_id":"conv-1","message":"what number?"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign conversation status = %d", rec.Code)
	}

	rec = do(h, http.MethodGet, "/v1/conversations/conv-1/messages", "alice-key", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "remember the number 7") {
		t.Fatalf("messages = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/v1/conversations/conv-1/messages", "bob-key", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign messages status = %d", rec.Code)
	}
}

func TestChatRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.001, BurstSize: 1, Enabled: true})
	chat := &fakeChat{events: []*agent.Event{{Type: agent.EventDone}}}
	h := newTestServer(t, chat, WithLimiter(limiter))

	if rec := do(h, http.MethodPost, "/v1/chat", "alice-key", `{"message":"one"}`); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := do(h, http.MethodPost, "/v1/chat", "alice-key", `{"message":"two"}`)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second status = %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := do(h, http.MethodPost, "/v1/chat", "bob-key", `{"message":"one"}`); rec.Code != http.StatusOK {
		t.Fatalf("other caller status = %d", rec.Code)
	}
}

func TestTools(t *testing.T) {
	rec := do(newTestServer(t, &fakeChat{}), http.MethodGet, "/v1/tools", "alice-key", "")
	var body struct {
		Tools []models.ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Tools) != 2 || body.Tools[0].Name != "calculator" {
		t.Fatalf("tools = %+v", body.Tools)
	}
}

func TestRoutineCRUD(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	svc := routines.NewService(routines.NewMemoryStore(), routines.NewMemoryExecutionStore(),
		routines.WithServiceClock(func() time.Time { return now }),
		routines.WithToolCheck(func(name string) bool { return name == "get_weather" }),
	)
	h := newTestServer(t, &fakeChat{}, WithRoutines(svc, nil))

	rec := do(h, http.MethodPost, "/v1/routines", "alice-key",
		`{"name":"Morning","schedule":"0 8 * * *","steps":[{"tool":"get_weather","arguments":{"city":"Oslo"}}]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created models.Routine
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !created.Enabled || created.CallerID != "alice" || !created.NextRun.Equal(now.Add(time.Hour)) {
		t.Fatalf("created = %+v", created)
	}

	if rec := do(h, http.MethodPost, "/v1/routines", "alice-key",
		`{"name":"Bad","schedule":"0 8 * * *","steps":[{"tool":"rm_rf"}]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid status = %d", rec.Code)
	}

	path := "/v1/routines/" + created.ID
	if rec := do(h, http.MethodGet, path, "bob-key", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign get status = %d", rec.Code)
	}

	rec = do(h, http.MethodPatch, path, "alice-key", `{"enabled":false}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"enabled":false`) {
		t.Fatalf("pause = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(h, http.MethodGet, path+"/executions", "alice-key", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"executions":[]`) {
		t.Fatalf("executions = %d %s", rec.Code, rec.Body.String())
	}

	rec = do(h, http.MethodGet, "/v1/routines", "alice-key", "")
	if !strings.Contains(rec.Body.String(), created.ID) {
		t.Fatalf("list = %s", rec.Body.String())
	}

	if rec := do(h, http.MethodDelete, path, "bob-key", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign delete status = %d", rec.Code)
	}
	if rec := do(h, http.MethodDelete, path, "alice-key", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, path, "alice-key", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted get status = %d", rec.Code)
	}
}

func TestRoutineTick(t *testing.T) {
	ticker := &fakeTicker{}
	h := newTestServer(t, &fakeChat{}, WithRoutines(nil, ticker))

	tick := func(secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/internal/routines/tick", nil)
		if secret != "" {
			req.Header.Set(routineSecretHeader, secret)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := tick(""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing secret status = %d", rec.Code)
	}
	if rec := tick("wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d", rec.Code)
	}
	if ticker.calls != 0 {
		t.Fatalf("ticked %d times without a valid secret", ticker.calls)
	}
	rec := tick("tick-secret")
	if rec.Code != http.StatusOK || ticker.calls != 1 {
		t.Fatalf("status = %d calls = %d", rec.Code, ticker.calls)
	}
	var report routines.TickReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil || report.Due != 2 {
		t.Fatalf("report = %+v, %v", report, err)
	}

	ticker.err = errors.New("db down")
	if rec := tick("tick-secret"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("failing tick status = %d", rec.Code)
	}
}

func TestRoutineTickDisabledWithoutSecret(t *testing.T) {
	s, err := NewServer(Config{}, &fakeChat{}, WithLogger(quiet), WithRoutines(nil, &fakeTicker{}))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/internal/routines/tick", nil)
	req.Header.Set(routineSecretHeader, "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	h := newTestServer(t, &fakeChat{}, WithMetrics(metrics, reg))

	if rec := do(h, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	do(h, http.MethodGet, "/v1/tools", "alice-key", "")

	rec := do(h, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "concierge_http_request_duration_seconds") || !strings.Contains(body, `path="GET /v1/tools"`) {
		t.Fatalf("metrics output missing request series:\n%s", body)
	}
}
