package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIProvider implements agent.Provider for the Chat Completions API.
// It is safe for concurrent use.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string { return "openai" }

// DefaultModel returns the configured default model.
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// Chat performs one non-streaming completion.
func (p *OpenAIProvider) Chat(ctx context.Context, req *agent.ChatRequest) (*agent.ChatResponse, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, chatReq.Model)
	}
	if len(resp.Choices) == 0 {
		return nil, newProviderError("openai", chatReq.Model, errors.New("response has no choices"))
	}
	return fromOpenAIResponse(resp), nil
}

// Stream performs a streaming completion and forwards text deltas.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.ChatRequest) (<-chan *agent.StreamChunk, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, chatReq.Model)
	}

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
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(&agent.StreamChunk{Done: true, Usage: usage})
				return
			}
			if err != nil {
				send(&agent.StreamChunk{Err: p.wrapError(err, chatReq.Model)})
				return
			}
			if resp.Usage != nil {
				usage = models.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
			}
			for _, choice := range resp.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !send(&agent.StreamChunk{Text: choice.Delta.Content}) {
					return
				}
			}
		}
	}()
	return chunks, nil
}

// QuickChat is a single tool-free completion.
func (p *OpenAIProvider) QuickChat(ctx context.Context, model, system, prompt string) (string, error) {
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

func (p *OpenAIProvider) buildRequest(req *agent.ChatRequest) (openai.ChatCompletionRequest, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  toOpenAIMessages(req.Messages, req.System),
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toOpenAITools(req.Tools)
		if err != nil {
			return chatReq, fmt.Errorf("openai: convert tools: %w", err)
		}
		chatReq.Tools = tools
		if req.DisableToolUse {
			chatReq.ToolChoice = "none"
		}
	}
	return chatReq, nil
}

// toOpenAIMessages converts neutral messages to Chat Completions messages.
// The system prompt becomes the first message; image attachments turn a
// user message into multi-part content.
func toOpenAIMessages(messages []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, call := range msg.ToolCalls {
				args := string(call.Arguments)
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:       call.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: call.Name, Arguments: args},
				})
			}
			result = append(result, out)
		default:
			result = append(result, openAIUserMessage(msg))
		}
	}
	return result
}

func openAIUserMessage(msg models.ChatMessage) openai.ChatCompletionMessage {
	var images []openai.ChatMessagePart
	for _, att := range msg.Attachments {
		if !att.IsImage() || att.URL == "" {
			continue
		}
		images = append(images, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: att.URL, Detail: openai.ImageURLDetailAuto},
		})
	}
	if len(images) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content}
	}

	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: msg.Content})
	}
	parts = append(parts, images...)
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func toOpenAITools(defs []models.ToolDefinition) ([]openai.Tool, error) {
	result := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		if !json.Valid(params) {
			return nil, fmt.Errorf("invalid tool schema for %s", def.Name)
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return result, nil
}

// fromOpenAIResponse normalizes the first choice of a completion.
func fromOpenAIResponse(resp openai.ChatCompletionResponse) *agent.ChatResponse {
	choice := resp.Choices[0]
	out := models.ChatMessage{Role: models.RoleAssistant, Content: choice.Message.Content}
	for _, call := range choice.Message.ToolCalls {
		args := json.RawMessage(call.Function.Arguments)
		switch {
		case len(strings.TrimSpace(call.Function.Arguments)) == 0:
			args = json.RawMessage(`{}`)
		case !json.Valid(args):
			// Truncated arguments are kept as a JSON string so the message
			// still encodes; schema validation rejects them at dispatch.
			args, _ = json.Marshal(call.Function.Arguments)
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args})
	}

	finish := models.FinishStop
	if choice.FinishReason == openai.FinishReasonToolCalls {
		finish = models.FinishToolCalls
	}
	return &agent.ChatResponse{
		Message:      out,
		FinishReason: finish,
		Model:        resp.Model,
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := AsProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
			Message:  apiErr.Message,
		}
		providerErr.withStatus(apiErr.HTTPStatusCode)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr.withCode(code)
		} else if apiErr.Type != "" {
			providerErr.withCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := newProviderError("openai", model, err)
		return providerErr.withStatus(reqErr.HTTPStatusCode)
	}
	return newProviderError("openai", model, err)
}
