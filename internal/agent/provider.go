package agent

import (
	"context"

	"github.com/haasonsaas/concierge/pkg/models"
)

// Provider is the vendor-neutral contract every model backend implements.
//
// Chat is used for every round that may produce tool calls. Stream is used
// once per turn for the final user-visible answer. QuickChat is a one-shot
// completion without tools for utility work (titles, translation,
// summaries).
//
// Implementations must be safe for concurrent use and must not retry.
type Provider interface {
	// Name returns the stable provider identifier ("anthropic", "openai").
	Name() string

	// DefaultModel is used when a request leaves Model empty.
	DefaultModel() string

	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream returns a channel of text deltas. The final chunk has Done set
	// and carries usage; a chunk with Err terminates the stream. The channel
	// is closed after either.
	Stream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error)

	QuickChat(ctx context.Context, model, system, prompt string) (string, error)
}

// ChatRequest is a vendor-neutral model request.
type ChatRequest struct {
	// Model defaults to the provider's DefaultModel when empty.
	Model string

	// System is kept separate from Messages; adapters place it where their
	// vendor expects it.
	System   string
	Messages []models.ChatMessage
	Tools    []models.ToolDefinition

	// DisableToolUse keeps Tools visible for context but forbids new calls.
	DisableToolUse bool

	MaxTokens   int
	Temperature float64
}

// ChatResponse is the normalized result of a non-streaming call.
type ChatResponse struct {
	Message      models.ChatMessage
	FinishReason models.FinishReason
	Usage        models.Usage
	Model        string
}

// StreamChunk is one element of a streaming response.
type StreamChunk struct {
	Text  string
	Done  bool
	Usage models.Usage
	Err   error
}
