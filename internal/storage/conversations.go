package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/pkg/models"
)

// SQLConversationStore implements ConversationStore.
type SQLConversationStore struct {
	db *DB
}

// NewConversationStore creates a SQL-backed ConversationStore.
func NewConversationStore(db *DB) *SQLConversationStore {
	return &SQLConversationStore{db: db}
}

var _ ConversationStore = (*SQLConversationStore)(nil)

// RecordTurn writes the conversation row, every message of the turn and one
// usage record in a single transaction. A conversation owned by another
// caller is reported as ErrNotFound.
func (s *SQLConversationStore) RecordTurn(ctx context.Context, rec *agent.TurnRecord) error {
	if rec == nil || rec.ConversationID == "" || rec.CallerID == "" {
		return fmt.Errorf("turn record requires conversation and caller")
	}
	at := rec.CompletedAt.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := s.db.exec(ctx, tx,
		`INSERT INTO conversations (id, caller_id, title, created_at, updated_at)
		 VALUES (?, ?, '', ?, ?)
		 ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at
		 WHERE conversations.caller_id = excluded.caller_id`,
		rec.ConversationID, rec.CallerID, at, at)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if err := expectOne(res, "upsert conversation"); err != nil {
		return err
	}

	for i, msg := range rec.Messages {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if _, err := s.db.exec(ctx, tx,
			`INSERT INTO messages (id, conversation_id, seq, role, content, payload, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), rec.ConversationID, i, string(msg.Role), msg.Content, string(payload), at,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if _, err := s.db.exec(ctx, tx,
		`INSERT INTO usage_records (id, caller_id, conversation_id, provider, model, input_tokens, output_tokens, rounds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.CallerID, rec.ConversationID, rec.Provider, rec.Model,
		rec.Usage.InputTokens, rec.Usage.OutputTokens, rec.Rounds, at,
	); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

func (s *SQLConversationStore) ConversationTitle(ctx context.Context, conversationID string) (string, error) {
	var title string
	err := s.db.queryRow(ctx, `SELECT title FROM conversations WHERE id = ?`, conversationID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get conversation title: %w", err)
	}
	return title, nil
}

func (s *SQLConversationStore) SetConversationTitle(ctx context.Context, conversationID, title string) error {
	res, err := s.db.exec(ctx, s.db, `UPDATE conversations SET title = ? WHERE id = ?`, title, conversationID)
	if err != nil {
		return fmt.Errorf("set conversation title: %w", err)
	}
	return expectOne(res, "set conversation title")
}

func (s *SQLConversationStore) Get(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.queryRow(ctx,
		`SELECT id, caller_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.CallerID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLConversationStore) List(ctx context.Context, callerID string, limit int) ([]*models.Conversation, error) {
	query := `SELECT id, caller_id, title, created_at, updated_at FROM conversations WHERE caller_id = ? ORDER BY updated_at DESC`
	args := []any{callerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []*models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.CallerID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return out, nil
}

func (s *SQLConversationStore) History(ctx context.Context, conversationID string, limit int) ([]models.ChatMessage, error) {
	query := `SELECT payload FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC`
	args := []any{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()
	var newestFirst []models.ChatMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg models.ChatMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return trimHistory(reverse(newestFirst)), nil
}

func (s *SQLConversationStore) Usage(ctx context.Context, callerID string, since time.Time) (models.Usage, error) {
	var u models.Usage
	err := s.db.queryRow(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE caller_id = ? AND created_at >= ?`,
		callerID, since.UTC(),
	).Scan(&u.InputTokens, &u.OutputTokens)
	if err != nil {
		return models.Usage{}, fmt.Errorf("sum usage: %w", err)
	}
	return u, nil
}

func reverse(msgs []models.ChatMessage) []models.ChatMessage {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}

// trimHistory drops leading tool results and assistant tool calls a limit
// cut away from their partners, so the window starts on a clean message.
func trimHistory(msgs []models.ChatMessage) []models.ChatMessage {
	for len(msgs) > 0 && (msgs[0].Role == models.RoleTool || msgs[0].HasToolCalls()) {
		msgs = msgs[1:]
	}
	return msgs
}
