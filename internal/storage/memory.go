package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/pkg/models"
)

// MemoryConversationStore provides an in-memory ConversationStore for
// database-less runs and tests.
type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]models.ChatMessage
	usage         []usageRecord
}

type usageRecord struct {
	callerID string
	usage    models.Usage
	at       time.Time
}

// NewMemoryConversationStore creates an empty store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.ChatMessage),
	}
}

var _ ConversationStore = (*MemoryConversationStore)(nil)

func (s *MemoryConversationStore) RecordTurn(_ context.Context, rec *agent.TurnRecord) error {
	if rec == nil || rec.ConversationID == "" || rec.CallerID == "" {
		return fmt.Errorf("turn record requires conversation and caller")
	}
	at := rec.CompletedAt.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[rec.ConversationID]
	if !ok {
		conv = &models.Conversation{ID: rec.ConversationID, CallerID: rec.CallerID, CreatedAt: at}
		s.conversations[rec.ConversationID] = conv
	} else if conv.CallerID != rec.CallerID {
		return ErrNotFound
	}
	conv.UpdatedAt = at
	s.messages[rec.ConversationID] = append(s.messages[rec.ConversationID], rec.Messages...)
	s.usage = append(s.usage, usageRecord{callerID: rec.CallerID, usage: rec.Usage, at: at})
	return nil
}

func (s *MemoryConversationStore) ConversationTitle(_ context.Context, conversationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return "", ErrNotFound
	}
	return conv.Title, nil
}

func (s *MemoryConversationStore) SetConversationTitle(_ context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrNotFound
	}
	conv.Title = title
	return nil
}

func (s *MemoryConversationStore) Get(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *conv
	return &out, nil
}

func (s *MemoryConversationStore) List(_ context.Context, callerID string, limit int) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Conversation
	for _, conv := range s.conversations {
		if conv.CallerID == callerID {
			c := *conv
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryConversationStore) History(_ context.Context, conversationID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return trimHistory(append([]models.ChatMessage(nil), msgs...)), nil
}

func (s *MemoryConversationStore) Usage(_ context.Context, callerID string, since time.Time) (models.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total models.Usage
	for _, rec := range s.usage {
		if rec.callerID == callerID && !rec.at.Before(since) {
			total.Add(rec.usage)
		}
	}
	return total, nil
}
