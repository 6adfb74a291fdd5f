// Package telegram sends messages through the caller's Telegram bot.
package telegram

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/pkg/models"
)

// MetadataChatID is the integration metadata key holding the default chat.
const MetadataChatID = "chat_id"

// botClient is the subset of *bot.Bot the tools use.
type botClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
}

// Opener creates a bot client for a token.
type Opener func(token string) (botClient, error)

// NewOpener returns an Opener that talks to serverURL, or the public Bot API
// when serverURL is empty.
func NewOpener(serverURL string) Opener {
	return func(token string) (botClient, error) {
		opts := []bot.Option{bot.WithSkipGetMe()}
		if serverURL != "" {
			opts = append(opts, bot.WithServerURL(serverURL))
		}
		return bot.New(token, opts...)
	}
}

// Tools returns the Telegram tools.
func Tools(open Opener) []tools.Tool {
	if open == nil {
		open = NewOpener("")
	}
	return []tools.Tool{{
		Name:        "telegram_send_message",
		Description: "Send a Telegram message through the caller's bot. Defaults to the chat linked when connecting.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "minLength": 1, "maxLength": 4096},
				"chat_id": {"type": "string", "description": "Numeric chat ID or @channelusername"},
				"silent": {"type": "boolean"}
			},
			"required": ["text"]
		}`),
		Provider: models.ProviderTelegram,
		Status:   "Sending your Telegram message...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				Text   string `json:"text"`
				ChatID string `json:"chat_id"`
				Silent bool   `json:"silent"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			in, err := call.Require(models.ProviderTelegram)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(args.ChatID) == "" {
				args.ChatID = in.Metadata[MetadataChatID]
			}
			chatID, err := parseChatID(args.ChatID)
			if err != nil {
				return nil, err
			}
			b, err := open(in.Token)
			if err != nil {
				return nil, err
			}
			msg, err := b.SendMessage(ctx, &bot.SendMessageParams{
				ChatID:              chatID,
				Text:                args.Text,
				DisableNotification: args.Silent,
			})
			if err != nil {
				return nil, tools.Errorf("telegram: %v", err)
			}
			return map[string]any{"sent": true, "message_id": msg.ID, "chat_id": msg.Chat.ID}, nil
		},
	}}
}

func parseChatID(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return nil, tools.Errorf("chat_id is required")
	case strings.HasPrefix(raw, "@"):
		return raw, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, tools.Errorf("invalid chat_id %q", raw)
	}
	return id, nil
}
