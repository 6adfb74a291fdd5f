package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// FinishReason is the normalized reason a model stopped generating.
// Vendor reasons other than tool calls collapse to FinishStop.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
)

// ChatMessage is the vendor-neutral message exchanged with model providers.
//
// A tool message carries exactly one ToolCallID referencing a tool call made
// by an earlier assistant message in the same turn.
type ChatMessage struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID  string       `json:"tool_call_id,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// HasToolCalls reports whether the message requests tool execution.
func (m ChatMessage) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// Attachment represents a file or media attachment on a user message.
// URL may be an http(s) URL or a base64 data URL.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"` // image, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// IsImage reports whether the attachment should be sent as an image block.
func (a Attachment) IsImage() bool {
	return a.Type == "image" || strings.HasPrefix(a.MimeType, "image/")
}

// ToolCall represents a model's request to execute a tool. The ID is assigned
// by the vendor and is consumed by exactly one execution.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition is the schema advertised to a model for one tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Usage captures token accounting for a model call or a whole turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Conversation is a persisted chat thread owned by a caller.
type Conversation struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoredMessage is a chat message persisted after a completed turn.
type StoredMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Message        ChatMessage `json:"message"`
	CreatedAt      time.Time   `json:"created_at"`
}

// User identifies an authenticated caller.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
