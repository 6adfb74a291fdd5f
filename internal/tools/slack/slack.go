// Package slack provides messaging tools for the caller's Slack workspace.
package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/pkg/models"
)

// Config configures the Slack tools.
type Config struct {
	// APIURL overrides https://slack.com/api/. It must end with a slash.
	APIURL     string
	HTTPClient *http.Client
}

func (cfg Config) client(token string) *slack.Client {
	var opts []slack.Option
	if cfg.APIURL != "" {
		u := cfg.APIURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		opts = append(opts, slack.OptionAPIURL(u))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}
	return slack.New(token, opts...)
}

type message struct {
	User      string `json:"user,omitempty"`
	Text      string `json:"text"`
	Timestamp string `json:"ts"`
	ThreadTS  string `json:"thread_ts,omitempty"`
}

// Tools returns the Slack tools.
func Tools(cfg Config) []tools.Tool {
	connect := func(call tools.Call) (*slack.Client, error) {
		in, err := call.Require(models.ProviderSlack)
		if err != nil {
			return nil, err
		}
		return cfg.client(in.Token), nil
	}

	return []tools.Tool{
		{
			Name:        "slack_send_message",
			Description: "Post a message to a Slack channel by ID or #name, optionally as a thread reply.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel": {"type": "string", "minLength": 1},
					"text": {"type": "string", "minLength": 1},
					"thread_ts": {"type": "string"}
				},
				"required": ["channel", "text"]
			}`),
			Provider: models.ProviderSlack,
			Status:   "Sending your Slack message...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					Channel  string `json:"channel"`
					Text     string `json:"text"`
					ThreadTS string `json:"thread_ts"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				api, err := connect(call)
				if err != nil {
					return nil, err
				}
				opts := []slack.MsgOption{slack.MsgOptionText(args.Text, false)}
				if args.ThreadTS != "" {
					opts = append(opts, slack.MsgOptionTS(args.ThreadTS))
				}
				channel, ts, err := api.PostMessageContext(ctx, args.Channel, opts...)
				if err != nil {
					return nil, tools.Errorf("slack: %v", err)
				}
				return map[string]any{"sent": true, "channel": channel, "ts": ts}, nil
			},
		},
		{
			Name:        "slack_list_channels",
			Description: "List Slack channels the caller can see.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"limit": {"type": "integer", "minimum": 1, "maximum": 200},
					"include_private": {"type": "boolean"}
				}
			}`),
			Provider: models.ProviderSlack,
			Status:   "Looking through Slack...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					Limit          int  `json:"limit"`
					IncludePrivate bool `json:"include_private"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				api, err := connect(call)
				if err != nil {
					return nil, err
				}
				if args.Limit <= 0 {
					args.Limit = 100
				}
				types := []string{"public_channel"}
				if args.IncludePrivate {
					types = append(types, "private_channel")
				}
				channels, _, err := api.GetConversationsContext(ctx, &slack.GetConversationsParameters{
					ExcludeArchived: true,
					Limit:           args.Limit,
					Types:           types,
				})
				if err != nil {
					return nil, tools.Errorf("slack: %v", err)
				}
				out := make([]map[string]any, 0, len(channels))
				for _, c := range channels {
					out = append(out, map[string]any{
						"id":        c.ID,
						"name":      c.Name,
						"private":   c.IsPrivate,
						"members":   c.NumMembers,
						"topic":     c.Topic.Value,
						"is_member": c.IsMember,
					})
				}
				return map[string]any{"channels": out}, nil
			},
		},
		{
			Name:        "slack_read_messages",
			Description: "Read the most recent messages in a Slack channel.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"channel": {"type": "string", "minLength": 1, "description": "Channel ID"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 100}
				},
				"required": ["channel"]
			}`),
			Provider: models.ProviderSlack,
			Status:   "Catching up on Slack...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					Channel string `json:"channel"`
					Limit   int    `json:"limit"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				api, err := connect(call)
				if err != nil {
					return nil, err
				}
				if args.Limit <= 0 {
					args.Limit = 20
				}
				history, err := api.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
					ChannelID: args.Channel,
					Limit:     args.Limit,
				})
				if err != nil {
					return nil, tools.Errorf("slack: %v", err)
				}
				out := make([]message, 0, len(history.Messages))
				for _, m := range history.Messages {
					out = append(out, message{User: m.User, Text: m.Text, Timestamp: m.Timestamp, ThreadTS: m.ThreadTimestamp})
				}
				return map[string]any{"channel": args.Channel, "messages": out}, nil
			},
		},
	}
}
