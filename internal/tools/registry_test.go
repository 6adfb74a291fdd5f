package tools

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/concierge/internal/ratelimit"
	"github.com/haasonsaas/concierge/pkg/models"
)

func echoTool(name string, provider models.Provider) Tool {
	return Tool{
		Name:        name,
		Description: "echo " + name,
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		Provider:    provider,
		Handler: func(ctx context.Context, call Call) (any, error) {
			var args struct {
				Text string `json:"text"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			return "echo: " + args.Text, nil
		},
	}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	err := r.Register(
		echoTool("get_current_datetime", ""),
		echoTool("calculator", ""),
		echoTool("google_calendar_list_events", models.ProviderGoogle),
		echoTool("gmail_search", models.ProviderGoogle),
		echoTool("spotify_play", models.ProviderSpotify),
		echoTool("slack_send_message", models.ProviderSlack),
		echoTool("twilio_make_call", models.ProviderTwilio),
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func definitionNames(defs []models.ToolDefinition) []string {
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

func connected(providers ...models.Provider) []models.ConnectedIntegration {
	out := make([]models.ConnectedIntegration, 0, len(providers))
	for _, p := range providers {
		out = append(out, models.ConnectedIntegration{Provider: p, Token: "tok-" + string(p)})
	}
	return out
}

func TestDefinitionsFollowConnectedSet(t *testing.T) {
	r := newTestRegistry(t)
	tests := []struct {
		name string
		set  []models.ConnectedIntegration
		want []string
	}{
		{"none", nil, []string{"calculator", "get_current_datetime"}},
		{"google", connected(models.ProviderGoogle), []string{
			"calculator", "get_current_datetime", "gmail_search", "google_calendar_list_events",
		}},
		{"google and spotify", connected(models.ProviderSpotify, models.ProviderGoogle), []string{
			"calculator", "get_current_datetime", "gmail_search", "google_calendar_list_events", "spotify_play",
		}},
		{"unknown provider", connected("myspace"), []string{"calculator", "get_current_datetime"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := definitionNames(r.Definitions(tt.set))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Definitions = %v, want %v", got, tt.want)
			}
		})
	}

	// Order of the connected set and duplicate entries do not matter.
	a := r.Definitions(connected(models.ProviderGoogle, models.ProviderSlack))
	b := r.Definitions(connected(models.ProviderSlack, models.ProviderGoogle, models.ProviderSlack))
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("Definitions depends on order: %v vs %v", definitionNames(a), definitionNames(b))
	}
}

func TestExecuteGatedToolWithoutConnection(t *testing.T) {
	r := newTestRegistry(t)
	out := r.Execute(context.Background(), "spotify_play", json.RawMessage(`{"text":"jazz"}`), connected(models.ProviderGoogle), "caller-1")

	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("result %q is not JSON: %v", out, err)
	}
	msg, _ := payload["error"].(string)
	if !strings.Contains(msg, "spotify is not connected") {
		t.Fatalf("error = %q", msg)
	}

	_, err := r.Invoke(context.Background(), "spotify_play", nil, nil, "caller-1")
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Invoke err = %v, want ErrNotConnected", err)
	}
}

func TestExecuteSuccess(t *testing.T) {
	r := newTestRegistry(t)
	out := r.Execute(context.Background(), "gmail_search", json.RawMessage(`{"text":"42"}`), connected(models.ProviderGoogle), "caller-1")
	if out != "echo: 42" {
		t.Fatalf("out = %q", out)
	}
}

func TestExecuteFailuresBecomeErrorJSON(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(
		Tool{Name: "panics", Handler: func(context.Context, Call) (any, error) { panic("boom") }},
		Tool{Name: "fails", Handler: func(context.Context, Call) (any, error) { return nil, errors.New("upstream 503") }},
		Tool{Name: "returns_struct", Handler: func(context.Context, Call) (any, error) {
			return struct {
				Count int `json:"count"`
			}{Count: 3}, nil
		}},
		Tool{Name: "returns_nil", Handler: func(context.Context, Call) (any, error) { return nil, nil }},
	)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name string
		tool string
		args string
		want string
	}{
		{"unknown tool", "teleport", `{}`, `{"error":"unknown tool: teleport"}`},
		{"schema invalid", "calculator", `{"text":7}`, `"error":"invalid arguments`},
		{"malformed json", "calculator", `{"text":`, `"error":"invalid arguments`},
		{"unparsed vendor arguments", "calculator", `"{\"text\": \"hi"`, `"error":"invalid arguments`},
		{"non-object without schema", "fails", `[1]`, `"error":"invalid arguments: arguments must be a JSON object"`},
		{"panic", "panics", `{}`, `{"error":"tool panics panicked: boom"}`},
		{"handler error", "fails", `{}`, `{"error":"upstream 503"}`},
		{"struct result", "returns_struct", `{}`, `{"count":3}`},
		{"nil result", "returns_nil", ``, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Execute(context.Background(), tt.tool, json.RawMessage(tt.args), nil, "caller-1")
			if !strings.Contains(out, tt.want) {
				t.Fatalf("out = %s, want %s", out, tt.want)
			}
		})
	}
}

func TestExecuteHonorsTimeout(t *testing.T) {
	r := NewRegistry(WithTimeout(20 * time.Millisecond))
	err := r.Register(Tool{Name: "slow", Handler: func(ctx context.Context, _ Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err = r.Invoke(context.Background(), "slow", nil, nil, "caller-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRegisterRejectsBadTools(t *testing.T) {
	r := newTestRegistry(t)
	tests := []struct {
		name string
		tool Tool
	}{
		{"duplicate", echoTool("calculator", "")},
		{"no name", Tool{Handler: echoTool("x", "").Handler}},
		{"no handler", Tool{Name: "nothing"}},
		{"bad schema", Tool{Name: "bad", Parameters: json.RawMessage(`{"type":12}`), Handler: echoTool("x", "").Handler}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.tool); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

type failingDailyStore struct{}

func (failingDailyStore) Count(context.Context, string, string, string) (int, error) {
	return 0, errors.New("db down")
}

func (failingDailyStore) Increment(context.Context, string, string, string) (int, error) {
	return 0, errors.New("db down")
}

func TestDailyLimit(t *testing.T) {
	var calls int32
	store := ratelimit.NewMemoryDailyStore()
	now := time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC)
	meter := ratelimit.NewDailyMeter(store).WithClock(func() time.Time { return now })

	r := NewRegistry(WithDailyLimits(meter, map[string]int{"twilio_make_call": 2}))
	call := echoTool("twilio_make_call", models.ProviderTwilio)
	inner := call.Handler
	call.Handler = func(ctx context.Context, c Call) (any, error) {
		atomic.AddInt32(&calls, 1)
		return inner(ctx, c)
	}
	if err := r.Register(call); err != nil {
		t.Fatalf("Register: %v", err)
	}
	twilio := connected(models.ProviderTwilio)

	for i := 0; i < 2; i++ {
		if out := r.Execute(context.Background(), "twilio_make_call", nil, twilio, "caller-1"); out != "echo: " {
			t.Fatalf("call %d = %s", i, out)
		}
	}
	out := r.Execute(context.Background(), "twilio_make_call", nil, twilio, "caller-1")
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("limited result %q: %v", out, err)
	}
	if payload["error"] == nil || payload["remaining"] != float64(0) || payload["limit"] != float64(2) {
		t.Fatalf("limited payload = %v", payload)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("handler calls = %d, want 2", n)
	}

	// A new UTC day resets the counter.
	now = now.Add(2 * time.Minute)
	if out := r.Execute(context.Background(), "twilio_make_call", nil, twilio, "caller-1"); out != "echo: " {
		t.Fatalf("next day = %s", out)
	}

	// Failed handler calls are not counted.
	r2 := NewRegistry(WithDailyLimits(ratelimit.NewDailyMeter(ratelimit.NewMemoryDailyStore()), map[string]int{"flaky": 1}))
	_ = r2.Register(Tool{Name: "flaky", Handler: func(context.Context, Call) (any, error) { return nil, errors.New("no answer") }})
	for i := 0; i < 3; i++ {
		if out := r2.Execute(context.Background(), "flaky", nil, nil, "caller-1"); !strings.Contains(out, "no answer") {
			t.Fatalf("attempt %d = %s", i, out)
		}
	}
}

func TestDailyLimitFailsClosed(t *testing.T) {
	var calls int32
	r := NewRegistry(WithDailyLimits(ratelimit.NewDailyMeter(failingDailyStore{}), map[string]int{"generate_image": 5}))
	_ = r.Register(Tool{Name: "generate_image", Handler: func(context.Context, Call) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	}})
	out := r.Execute(context.Background(), "generate_image", nil, nil, "caller-1")
	if !strings.Contains(out, "db down") || atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("out = %s, calls = %d", out, calls)
	}
}

func TestStatusLabel(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(Tool{Name: "spotify_play", Status: "Queueing up music...", Handler: echoTool("x", "").Handler})
	if got := r.StatusLabel("spotify_play"); got != "Queueing up music..." {
		t.Fatalf("label = %q", got)
	}
	if got := r.StatusLabel("missing"); got != "Working on it..." {
		t.Fatalf("default label = %q", got)
	}
	_ = r.Register(Tool{Name: "notion_read_page", Handler: echoTool("x", "").Handler})
	if got := r.StatusLabel("notion_read_page"); got != "Using Notion Read Page..." {
		t.Fatalf("derived label = %q", got)
	}
}

func TestDisplayTitle(t *testing.T) {
	tests := map[string]string{
		"spotify_play":        "Spotify Play",
		"mcp__github.search":  "Search",
		"  lookup-tool_tool ": "Lookup Tool",
		"":                    "",
	}
	for in, want := range tests {
		if got := displayTitle(in); got != want {
			t.Errorf("displayTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestErrorJSONMergesFields(t *testing.T) {
	err := &Error{Message: "daily limit reached", Fields: map[string]any{"remaining": 0, "limit": 3}}
	if got := ErrorJSON(err); got != `{"error":"daily limit reached","limit":3,"remaining":0}` {
		t.Fatalf("ErrorJSON = %s", got)
	}
	if got := ErrorJSON(errors.New(`bad "quote"`)); got != `{"error":"bad \"quote\""}` {
		t.Fatalf("ErrorJSON = %s", got)
	}
}
