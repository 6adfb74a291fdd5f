// Package providers adapts model vendors to agent.Provider.
//
// Each adapter converts the vendor-neutral message model to the vendor's
// wire types on the way out and back on the way in. Tool call IDs are
// assigned by the vendor and passed through unchanged. Adapters never retry;
// the SDK clients are built with retries disabled.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/pkg/models"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
	quickChatMaxTokens    = 512

	// maxEmptyStreamEvents bounds consecutive events that carry nothing
	// useful before the stream is treated as malformed.
	maxEmptyStreamEvents = 300
)

// Config configures a provider adapter.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string

	// HTTPClient overrides the SDK's default client.
	HTTPClient *http.Client
}

// AnthropicProvider implements agent.Provider for the Anthropic Messages API.
// It is safe for concurrent use.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(cfg Config) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// DefaultModel returns the configured default model.
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// Chat performs one non-streaming Messages call.
func (p *AnthropicProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	params, model, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, model)
	}
	return fromAnthropicMessage(msg), nil
}

// Stream performs the streaming Messages call and forwards text deltas.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.ChatRequest) (<-chan *agent.StreamChunk, error) {
	params, model, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *agent.StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		send := func(c *agent.StreamChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage models.Usage
		empty := 0
		for stream.Next() {
			event := stream.Current()
			useful := true
			switch event.Type {
			case "message_start":
				usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					if !send(&agent.StreamChunk{Text: delta.Text}) {
						return
					}
				} else {
					useful = false
				}
			case "message_delta":
				if out := event.AsMessageDelta().Usage.OutputTokens; out > 0 {
					usage.OutputTokens = int(out)
				}
			case "message_stop":
				send(&agent.StreamChunk{Done: true, Usage: usage})
				return
			case "error":
				send(&agent.StreamChunk{Err: p.wrapError(errors.New("anthropic stream error"), model)})
				return
			default:
				useful = false
			}

			if useful {
				empty = 0
				continue
			}
			if empty++; empty >= maxEmptyStreamEvents {
				send(&agent.StreamChunk{Err: p.wrapError(
					fmt.Errorf("stream appears malformed: %d consecutive empty events", empty), model)})
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(&agent.StreamChunk{Err: p.wrapError(err, model)})
		}
	}()
	return chunks, nil
}

// QuickChat is a single tool-free completion.
func (p *AnthropicProvider) QuickChat(ctx context.Context, model, system, prompt string) (string, error) {
	resp, err := p.Chat(ctx, &agent.ChatRequest{
		Model:     model,
		System:    system,
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: quickChatMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func (p *AnthropicProvider) buildParams(req *agent.ChatRequest) (anthropic.MessageNewParams, string, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, model, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	params.System = anthropicSystem(req.System, req.Messages)
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, model, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
		if req.DisableToolUse {
			params.ToolChoice = anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
		}
	}
	return params, model, nil
}

// anthropicSystem builds the top-level system prompt. The Messages API has no
// system role, so system messages from the history are appended after the
// request prompt in order.
func anthropicSystem(system string, messages []models.ChatMessage) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if system != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Type: "text", Text: system})
	}
	for _, msg := range messages {
		if msg.Role == models.RoleSystem && strings.TrimSpace(msg.Content) != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Type: "text", Text: msg.Content})
		}
	}
	return blocks
}

// toAnthropicMessages converts neutral messages to Anthropic message params.
// System messages are skipped here and carried by anthropicSystem.
// Tool results travel as tool_result blocks in user messages, and adjacent
// messages with the same role are merged because the API requires
// alternating roles.
func toAnthropicMessages(messages []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var (
			content []anthropic.ContentBlockParamUnion
			role    = anthropic.MessageParamRoleUser
		)
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isErrorResult(msg.Content)))
		case models.RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				args := call.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				if !json.Valid(args) {
					return nil, fmt.Errorf("tool call %s has invalid arguments", call.ID)
				}
				if !isJSONObject(args) {
					// tool_use input must be an object; unparsable vendor
					// arguments are kept as a JSON string elsewhere.
					args = json.RawMessage(`{}`)
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, args, call.Name))
			}
		default:
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, att := range msg.Attachments {
				if block, ok := anthropicImageBlock(att); ok {
					content = append(content, block)
				}
			}
		}
		if len(content) == 0 {
			continue
		}

		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, content...)
			continue
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: content})
	}
	return result, nil
}

func anthropicImageBlock(att models.Attachment) (anthropic.ContentBlockParamUnion, bool) {
	if !att.IsImage() || att.URL == "" {
		return anthropic.ContentBlockParamUnion{}, false
	}
	if mediaType, data, ok := parseDataURL(att.URL); ok {
		mt, ok := anthropicMediaType(mediaType)
		if !ok {
			return anthropic.ContentBlockParamUnion{}, false
		}
		return anthropic.ContentBlockParamUnion{OfImage: &anthropic.ImageBlockParam{
			Source: anthropic.ImageBlockParamSourceUnion{
				OfBase64: &anthropic.Base64ImageSourceParam{Data: data, MediaType: mt},
			},
		}}, true
	}
	return anthropic.ContentBlockParamUnion{OfImage: &anthropic.ImageBlockParam{
		Source: anthropic.ImageBlockParamSourceUnion{
			OfURL: &anthropic.URLImageSourceParam{URL: att.URL},
		},
	}}, true
}

func anthropicMediaType(mediaType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	default:
		return "", false
	}
}

func toAnthropicTools(defs []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		if len(def.Parameters) > 0 {
			if err := json.Unmarshal(def.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
			}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		if def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		result = append(result, tool)
	}
	return result, nil
}

// fromAnthropicMessage normalizes a Messages response. Text blocks are
// concatenated and tool_use blocks become tool calls in order.
func fromAnthropicMessage(msg *anthropic.Message) *agent.ChatResponse {
	out := models.ChatMessage{Role: models.RoleAssistant}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	out.Content = text.String()

	finish := models.FinishStop
	if msg.StopReason == anthropic.StopReasonToolUse {
		finish = models.FinishToolCalls
	}
	return &agent.ChatResponse{
		Message:      out,
		FinishReason: finish,
		Model:        string(msg.Model),
		Usage: models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return newProviderError("anthropic", model, err)
	}

	providerErr := &ProviderError{
		Provider:  "anthropic",
		Model:     model,
		Cause:     err,
		Reason:    ReasonUnknown,
		Message:   "anthropic request failed",
		RequestID: apiErr.RequestID,
	}
	providerErr.withStatus(apiErr.StatusCode)

	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			providerErr.Message = payload.Error.Message
		}
		if payload.Error.Type != "" {
			providerErr.withCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			providerErr.RequestID = payload.RequestID
		}
	}
	return providerErr
}

// isErrorResult reports whether a tool result is the {"error": ...} shape
// produced by the tool registry.
func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func isErrorResult(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var fields map[string]json.RawMessage
	if json.Unmarshal([]byte(trimmed), &fields) != nil {
		return false
	}
	_, ok := fields["error"]
	return ok
}

func parseDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	meta, data, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, data, true
}
