package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/concierge/internal/ratelimit"
	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/pkg/models"
)

func newRegistry(t *testing.T, cfg Config, opts ...tools.Option) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(opts...)
	if err := reg.Register(Tools(cfg)...); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func invoke(t *testing.T, reg *tools.Registry, name, args string) map[string]any {
	t.Helper()
	out, err := reg.Invoke(context.Background(), name, json.RawMessage(args), nil, "caller-1")
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("%s result %q: %v", name, out, err)
	}
	return result
}

func TestToolsDependOnCollaborators(t *testing.T) {
	names := func(list []tools.Tool) string {
		var out []string
		for _, tool := range list {
			out = append(out, tool.Name)
		}
		return strings.Join(out, ",")
	}
	if got := names(Tools(Config{})); got != "get_current_datetime,calculator,get_weather" {
		t.Fatalf("bare tools = %s", got)
	}
	full := Tools(Config{Completer: &stubCompleter{}, Images: &stubImages{}, Routines: &memoryRoutines{}})
	if len(full) != 7 {
		t.Fatalf("full tools = %s", names(full))
	}
	for _, tool := range full {
		if tool.Provider != "" {
			t.Fatalf("%s must be built-in", tool.Name)
		}
		if tool.Status == "" {
			t.Fatalf("%s has no status label", tool.Name)
		}
	}
}

func TestDatetime(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
	reg := newRegistry(t, Config{Now: func() time.Time { return now }})

	result := invoke(t, reg, "get_current_datetime", `{}`)
	if result["iso"] != "2026-03-14T15:09:26Z" || result["weekday"] != "Saturday" {
		t.Fatalf("utc = %v", result)
	}
	result = invoke(t, reg, "get_current_datetime", `{"timezone":"Asia/Tokyo"}`)
	if result["time"] != "00:09" || result["date"] != "2026-03-15" {
		t.Fatalf("tokyo = %v", result)
	}
	out := reg.Execute(context.Background(), "get_current_datetime", json.RawMessage(`{"timezone":"Mars/Olympus"}`), nil, "caller-1")
	if !strings.Contains(out, `"error"`) {
		t.Fatalf("bad timezone = %s", out)
	}
}

func TestCalculator(t *testing.T) {
	reg := newRegistry(t, Config{})
	tests := []struct {
		expr string
		want float64
	}{
		{"2+2", 4},
		{"2^3^2", 512},
		{"sqrt(16) * -2", -8},
		{"max(1, 7, 3) % 4", 3},
	}
	for _, tt := range tests {
		args, _ := json.Marshal(map[string]string{"expression": tt.expr})
		result := invoke(t, reg, "calculator", string(args))
		if result["result"] != tt.want {
			t.Fatalf("%s = %v, want %v", tt.expr, result["result"], tt.want)
		}
	}

	for _, expr := range []string{"1/0", "system('rm')", "2 +"} {
		args, _ := json.Marshal(map[string]string{"expression": expr})
		out := reg.Execute(context.Background(), "calculator", args, nil, "caller-1")
		if !strings.HasPrefix(out, `{"error":`) {
			t.Fatalf("%s = %s, want error", expr, out)
		}
	}
}

func TestWeather(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/search":
			if r.URL.Query().Get("name") != "Oslo" {
				t.Errorf("geocode name = %s", r.URL.Query().Get("name"))
			}
			fmt.Fprint(w, `{"results":[{"name":"Oslo","country":"Norway","latitude":59.9127,"longitude":10.7461,"timezone":"Europe/Oslo"}]}`)
		case "/v1/forecast":
			q := r.URL.Query()
			if q.Get("latitude") != "59.9127" || q.Get("forecast_days") != "2" || q.Get("temperature_unit") != "fahrenheit" {
				t.Errorf("forecast query = %s", r.URL.RawQuery)
			}
			fmt.Fprint(w, `{
				"current":{"time":"2026-01-05T09:00","temperature_2m":21.2,"apparent_temperature":15.1,"relative_humidity_2m":80,"wind_speed_10m":6.5,"weather_code":71},
				"daily":{"time":["2026-01-05","2026-01-06"],"temperature_2m_max":[24,27],"temperature_2m_min":[14,18],
				"precipitation_probability_max":[60,10],"weather_code":[71,3]}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	reg := newRegistry(t, Config{WeatherGeocodeURL: server.URL, WeatherForecastURL: server.URL})
	result := invoke(t, reg, "get_weather", `{"location":"Oslo","days":2,"units":"imperial"}`)

	current := result["current"].(map[string]any)
	if current["conditions"] != "light snow" || current["temperature"] != 21.2 {
		t.Fatalf("current = %v", current)
	}
	daily := result["daily"].([]any)
	if len(daily) != 2 || daily[1].(map[string]any)["conditions"] != "overcast" {
		t.Fatalf("daily = %v", daily)
	}
}

func TestWeatherUnknownLocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	reg := newRegistry(t, Config{WeatherGeocodeURL: server.URL, WeatherForecastURL: server.URL})
	out := reg.Execute(context.Background(), "get_weather", json.RawMessage(`{"location":"Atlantis"}`), nil, "caller-1")
	if out != `{"error":"location \"Atlantis\" not found"}` {
		t.Fatalf("out = %s", out)
	}
}

type stubCompleter struct {
	system, prompt string
}

func (s *stubCompleter) QuickChat(_ context.Context, _, system, prompt string) (string, error) {
	s.system, s.prompt = system, prompt
	return "Hola, mundo\n", nil
}

func TestTranslate(t *testing.T) {
	completer := &stubCompleter{}
	reg := newRegistry(t, Config{Completer: completer, Model: "small"})
	result := invoke(t, reg, "translate_text", `{"text":"Hello, world","target_language":"Spanish"}`)
	if result["translation"] != "Hola, mundo" {
		t.Fatalf("result = %v", result)
	}
	if !strings.Contains(completer.prompt, "into Spanish") || !strings.Contains(completer.prompt, "Hello, world") {
		t.Fatalf("prompt = %q", completer.prompt)
	}

	out := reg.Execute(context.Background(), "translate_text", json.RawMessage(`{"text":"hi"}`), nil, "caller-1")
	if !strings.Contains(out, "invalid arguments") {
		t.Fatalf("missing target language = %s", out)
	}
}

type stubImages struct{}

func (stubImages) CreateImage(context.Context, openai.ImageRequest) (openai.ImageResponse, error) {
	return openai.ImageResponse{}, errors.New("not used")
}

func TestGenerateImageIsMeteredPerDay(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/v1/images/generations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["prompt"] != "a red fox" || req["model"] != openai.CreateImageModelDallE3 {
			t.Errorf("request = %v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"created":1,"data":[{"url":"https://images.example.com/fox.png","revised_prompt":"a red fox in snow"}]}`)
	}))
	defer server.Close()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = server.URL + "/v1"
	meter := ratelimit.NewDailyMeter(ratelimit.NewMemoryDailyStore())
	reg := newRegistry(t, Config{Images: openai.NewClientWithConfig(cfg)},
		tools.WithDailyLimits(meter, map[string]int{ImageToolName: 2}))

	for i := 0; i < 2; i++ {
		result := invoke(t, reg, ImageToolName, `{"prompt":"a red fox"}`)
		if result["url"] != "https://images.example.com/fox.png" {
			t.Fatalf("result = %v", result)
		}
	}
	out := reg.Execute(context.Background(), ImageToolName, json.RawMessage(`{"prompt":"a red fox"}`), nil, "caller-1")
	var limited map[string]any
	if err := json.Unmarshal([]byte(out), &limited); err != nil {
		t.Fatalf("limited %q: %v", out, err)
	}
	if limited["error"] == nil || limited["remaining"] != float64(0) || limited["limit"] != float64(2) {
		t.Fatalf("limited = %v", limited)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("image API calls = %d, want 2", n)
	}

	other, err := reg.Invoke(context.Background(), ImageToolName, json.RawMessage(`{"prompt":"a red fox"}`), nil, "caller-2")
	if err != nil || !strings.Contains(other, "fox.png") {
		t.Fatalf("other caller = %s, %v", other, err)
	}
}

type memoryRoutines struct {
	created []*models.Routine
}

func (m *memoryRoutines) CreateRoutine(_ context.Context, r *models.Routine) (*models.Routine, error) {
	if r.Schedule == "never" {
		return nil, errors.New("invalid schedule")
	}
	r.ID = fmt.Sprintf("r%d", len(m.created)+1)
	r.NextRun = time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)
	m.created = append(m.created, r)
	return r, nil
}

func (m *memoryRoutines) ListRoutines(_ context.Context, callerID string) ([]*models.Routine, error) {
	var out []*models.Routine
	for _, r := range m.created {
		if r.CallerID == callerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestRoutineTools(t *testing.T) {
	svc := &memoryRoutines{}
	reg := newRegistry(t, Config{Routines: svc})

	result := invoke(t, reg, "create_routine", `{
		"name": "morning brief",
		"schedule": "0 8 * * *",
		"steps": [
			{"tool": "get_weather", "arguments": {"location": "Oslo"}},
			{"tool": "translate_text", "arguments": {"text": "{{PREVIOUS_RESULT}}", "target_language": "Norwegian"}}
		]
	}`)
	if result["created"] != true {
		t.Fatalf("result = %v", result)
	}
	if len(svc.created) != 1 || svc.created[0].CallerID != "caller-1" || !svc.created[0].Enabled {
		t.Fatalf("created = %+v", svc.created)
	}
	if got := svc.created[0].Steps[1].Arguments["text"]; got != models.PreviousResultPlaceholder {
		t.Fatalf("step argument = %v", got)
	}

	out := reg.Execute(context.Background(), "create_routine",
		json.RawMessage(`{"name":"x","schedule":"never","steps":[{"tool":"calculator"}]}`), nil, "caller-1")
	if !strings.Contains(out, "invalid schedule") {
		t.Fatalf("bad schedule = %s", out)
	}
	out = reg.Execute(context.Background(), "create_routine", json.RawMessage(`{"name":"x","schedule":"* * * * *","steps":[]}`), nil, "caller-1")
	if !strings.Contains(out, "invalid arguments") {
		t.Fatalf("empty steps = %s", out)
	}

	listed := invoke(t, reg, "list_routines", `{}`)
	if listed["count"] != float64(1) {
		t.Fatalf("listed = %v", listed)
	}
}
