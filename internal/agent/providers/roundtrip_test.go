package providers

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/pkg/models"
)

var roundTripCases = []struct {
	name      string
	assistant models.ChatMessage
}{
	{
		name:      "text only",
		assistant: models.ChatMessage{Role: models.RoleAssistant, Content: "It is 18°C in Paris."},
	},
	{
		name: "text and tool calls",
		assistant: models.ChatMessage{Role: models.RoleAssistant, Content: "Checking both.", ToolCalls: []models.ToolCall{
			{ID: "call_a", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Paris"}`)},
			{ID: "call_b", Name: "calculator", Arguments: json.RawMessage(`{"expression":"2^10","precision":2}`)},
		}},
	},
	{
		name: "tool call with nested arguments",
		assistant: models.ChatMessage{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_c", Name: "create_routine", Arguments: json.RawMessage(`{"name":"morning","steps":[{"tool":"get_weather","arguments":{"city":"Oslo"}}]}`)},
		}},
	},
}

func sameJSON(t *testing.T, a, b json.RawMessage) bool {
	t.Helper()
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		t.Fatalf("unmarshal %s: %v", a, err)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	return reflect.DeepEqual(va, vb)
}

func assertSameAssistant(t *testing.T, want, got models.ChatMessage) {
	t.Helper()
	if got.Role != want.Role || got.Content != want.Content {
		t.Fatalf("message = %s %q, want %s %q", got.Role, got.Content, want.Role, want.Content)
	}
	if len(got.ToolCalls) != len(want.ToolCalls) {
		t.Fatalf("tool calls = %d, want %d", len(got.ToolCalls), len(want.ToolCalls))
	}
	for i, call := range want.ToolCalls {
		g := got.ToolCalls[i]
		if g.ID != call.ID || g.Name != call.Name || !sameJSON(t, g.Arguments, call.Arguments) {
			t.Fatalf("tool call %d = %s %s %s, want %s %s %s", i, g.ID, g.Name, g.Arguments, call.ID, call.Name, call.Arguments)
		}
	}
}

func TestAnthropicConversionRoundTrip(t *testing.T) {
	for _, tt := range roundTripCases {
		t.Run(tt.name, func(t *testing.T) {
			params, err := toAnthropicMessages([]models.ChatMessage{
				{Role: models.RoleUser, Content: "hello"},
				tt.assistant,
			})
			if err != nil {
				t.Fatalf("toAnthropicMessages: %v", err)
			}
			if len(params) != 2 || params[1].Role != anthropic.MessageParamRoleAssistant {
				t.Fatalf("params = %+v", params)
			}

			// Replay the outbound assistant turn as the API would return it.
			raw, err := json.Marshal(params[1])
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var wire map[string]any
			if err := json.Unmarshal(raw, &wire); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			wire["id"] = "msg_rt"
			wire["type"] = "message"
			wire["model"] = "claude-test"
			wire["stop_reason"] = "end_turn"
			if tt.assistant.HasToolCalls() {
				wire["stop_reason"] = "tool_use"
			}
			wire["usage"] = map[string]any{"input_tokens": 1, "output_tokens": 1}
			raw, _ = json.Marshal(wire)

			var msg anthropic.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("decode message %s: %v", raw, err)
			}
			resp := fromAnthropicMessage(&msg)
			assertSameAssistant(t, tt.assistant, resp.Message)

			wantFinish := models.FinishStop
			if tt.assistant.HasToolCalls() {
				wantFinish = models.FinishToolCalls
			}
			if resp.FinishReason != wantFinish {
				t.Fatalf("finish = %s, want %s", resp.FinishReason, wantFinish)
			}
		})
	}
}

func TestOpenAIConversionRoundTrip(t *testing.T) {
	for _, tt := range roundTripCases {
		t.Run(tt.name, func(t *testing.T) {
			msgs := toOpenAIMessages([]models.ChatMessage{
				{Role: models.RoleUser, Content: "hello"},
				tt.assistant,
			}, "")
			if len(msgs) != 2 || msgs[1].Role != openai.ChatMessageRoleAssistant {
				t.Fatalf("messages = %+v", msgs)
			}

			raw, err := json.Marshal(msgs[1])
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var wire openai.ChatCompletionMessage
			if err := json.Unmarshal(raw, &wire); err != nil {
				t.Fatalf("unmarshal %s: %v", raw, err)
			}
			finish := openai.FinishReasonStop
			if tt.assistant.HasToolCalls() {
				finish = openai.FinishReasonToolCalls
			}
			resp := fromOpenAIResponse(openai.ChatCompletionResponse{
				Model:   "gpt-test",
				Choices: []openai.ChatCompletionChoice{{Message: wire, FinishReason: finish}},
			})
			assertSameAssistant(t, tt.assistant, resp.Message)

			wantFinish := models.FinishStop
			if tt.assistant.HasToolCalls() {
				wantFinish = models.FinishToolCalls
			}
			if resp.FinishReason != wantFinish {
				t.Fatalf("finish = %s, want %s", resp.FinishReason, wantFinish)
			}
		})
	}
}

func TestAnthropicSystemMessagesJoinPrompt(t *testing.T) {
	p, err := NewAnthropicProvider(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	history := []models.ChatMessage{
		{Role: models.RoleSystem, Content: "always answer in French"},
		{Role: models.RoleUser, Content: "hi"},
	}
	params, _, err := p.buildParams(&agent.ChatRequest{System: "be brief", Messages: history})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	var texts []string
	for _, block := range params.System {
		texts = append(texts, block.Text)
	}
	if !reflect.DeepEqual(texts, []string{"be brief", "always answer in French"}) {
		t.Fatalf("system = %q", texts)
	}
	if len(params.Messages) != 1 || params.Messages[0].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("messages = %+v", params.Messages)
	}

	// Both vendors see the same instructions for the same history.
	openAI := toOpenAIMessages(history, "be brief")
	if len(openAI) != 3 || openAI[1].Content != "always answer in French" {
		t.Fatalf("openai messages = %+v", openAI)
	}
}

func TestFinishReasonFollowsVendor(t *testing.T) {
	call := openai.ToolCall{ID: "call_1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"Oslo"}`}}
	resp := fromOpenAIResponse(openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, ToolCalls: []openai.ToolCall{call}},
		FinishReason: openai.FinishReasonLength,
	}}})
	if resp.FinishReason != models.FinishStop {
		t.Fatalf("openai length finish = %s, want stop", resp.FinishReason)
	}

	var msg anthropic.Message
	if err := json.Unmarshal([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
		"content":[{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{"city":"Os"}}],
		"stop_reason":"max_tokens","usage":{"input_tokens":1,"output_tokens":1}}`), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := fromAnthropicMessage(&msg).FinishReason; got != models.FinishStop {
		t.Fatalf("anthropic max_tokens finish = %s, want stop", got)
	}
}

func TestOpenAIMalformedArgumentsStayEncodable(t *testing.T) {
	truncated := `{"city": "Par`
	resp := fromOpenAIResponse(openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, ToolCalls: []openai.ToolCall{{
			ID: "call_1", Type: openai.ToolTypeFunction, Function: openai.FunctionCall{Name: "get_weather", Arguments: truncated},
		}}},
		FinishReason: openai.FinishReasonToolCalls,
	}}})

	if _, err := json.Marshal(resp.Message); err != nil {
		t.Fatalf("message must stay encodable: %v", err)
	}
	var recovered string
	if err := json.Unmarshal(resp.Message.ToolCalls[0].Arguments, &recovered); err != nil || recovered != truncated {
		t.Fatalf("raw arguments = %s (%v), want the original text as a JSON string", resp.Message.ToolCalls[0].Arguments, err)
	}

	// Replaying the call to Anthropic keeps the request valid.
	params, err := toAnthropicMessages([]models.ChatMessage{{Role: models.RoleUser, Content: "weather?"}, resp.Message})
	if err != nil {
		t.Fatalf("toAnthropicMessages: %v", err)
	}
	block := decodeJSON(t, params)[1]["content"].([]any)[0].(map[string]any)
	if input, ok := block["input"].(map[string]any); !ok || len(input) != 0 {
		t.Fatalf("tool_use input = %v, want {}", block["input"])
	}
}
