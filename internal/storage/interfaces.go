package storage

import (
	"context"
	"time"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/pkg/models"
)

// ConversationStore persists conversations, their messages and per-turn
// token usage. Turns are written only once they completed.
type ConversationStore interface {
	agent.TurnRecorder
	agent.TitleStore

	Get(ctx context.Context, id string) (*models.Conversation, error)
	List(ctx context.Context, callerID string, limit int) ([]*models.Conversation, error)
	// History returns up to limit of the most recent messages, oldest first.
	History(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error)
	// Usage sums the caller's token usage since the given time.
	Usage(ctx context.Context, callerID string, since time.Time) (models.Usage, error)
}
