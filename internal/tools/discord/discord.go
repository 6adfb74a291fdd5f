// Package discord provides messaging tools for a Discord server the caller
// connected a bot to.
package discord

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/pkg/models"
)

// MetadataGuildID is the integration metadata key holding the default guild.
const MetadataGuildID = "guild_id"

// session is the subset of *discordgo.Session the tools use.
type session interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
}

// SessionFactory opens a session for a bot token.
type SessionFactory func(token string) (session, error)

func newSession(token string) (session, error) {
	return discordgo.New("Bot " + token)
}

type message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Tools returns the Discord tools.
func Tools() []tools.Tool {
	return toolsWith(newSession)
}

func toolsWith(open SessionFactory) []tools.Tool {
	connect := func(call tools.Call) (session, models.ConnectedIntegration, error) {
		in, err := call.Require(models.ProviderDiscord)
		if err != nil {
			return nil, in, err
		}
		s, err := open(in.Token)
		if err != nil {
			return nil, in, err
		}
		return s, in, nil
	}

	return []tools.Tool{
		{
			Name:        "discord_send_message",
			Description: "Send a message to a Discord channel by channel ID.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel_id": {"type": "string", "minLength": 1},
					"content": {"type": "string", "minLength": 1, "maxLength": 2000}
				},
				"required": ["channel_id", "content"]
			}`),
			Provider: models.ProviderDiscord,
			Status:   "Sending your Discord message...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					ChannelID string `json:"channel_id"`
					Content   string `json:"content"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				s, _, err := connect(call)
				if err != nil {
					return nil, err
				}
				msg, err := s.ChannelMessageSend(args.ChannelID, args.Content, discordgo.WithContext(ctx))
				if err != nil {
					return nil, tools.Errorf("discord: %v", err)
				}
				return map[string]any{"sent": true, "id": msg.ID, "channel_id": msg.ChannelID}, nil
			},
		},
		{
			Name:        "discord_list_channels",
			Description: "List the text channels of the connected Discord server.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"guild_id": {"type": "string", "description": "Server ID (defaults to the connected server)"}
				}
			}`),
			Provider: models.ProviderDiscord,
			Status:   "Looking through Discord...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					GuildID string `json:"guild_id"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				s, in, err := connect(call)
				if err != nil {
					return nil, err
				}
				if args.GuildID == "" {
					args.GuildID = in.Metadata[MetadataGuildID]
				}
				if args.GuildID == "" {
					return nil, tools.Errorf("guild_id is required")
				}
				channels, err := s.GuildChannels(args.GuildID, discordgo.WithContext(ctx))
				if err != nil {
					return nil, tools.Errorf("discord: %v", err)
				}
				out := make([]map[string]string, 0, len(channels))
				for _, c := range channels {
					if c.Type != discordgo.ChannelTypeGuildText && c.Type != discordgo.ChannelTypeGuildNews {
						continue
					}
					out = append(out, map[string]string{"id": c.ID, "name": c.Name, "topic": c.Topic})
				}
				return map[string]any{"guild_id": args.GuildID, "channels": out}, nil
			},
		},
		{
			Name:        "discord_read_messages",
			Description: "Read recent messages from a Discord channel.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel_id": {"type": "string", "minLength": 1},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				},
				"required": ["channel_id"]
			}`),
			Provider: models.ProviderDiscord,
			Status:   "Catching up on Discord...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					ChannelID string `json:"channel_id"`
					Limit     int    `json:"limit"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				s, _, err := connect(call)
				if err != nil {
					return nil, err
				}
				if args.Limit <= 0 {
					args.Limit = 20
				}
				msgs, err := s.ChannelMessages(args.ChannelID, args.Limit, "", "", "", discordgo.WithContext(ctx))
				if err != nil {
					return nil, tools.Errorf("discord: %v", err)
				}
				out := make([]message, 0, len(msgs))
				for _, m := range msgs {
					author := ""
					if m.Author != nil {
						author = m.Author.Username
					}
					out = append(out, message{ID: m.ID, Author: author, Content: m.Content, Timestamp: m.Timestamp})
				}
				return map[string]any{"channel_id": args.ChannelID, "messages": out}, nil
			},
		},
	}
}
