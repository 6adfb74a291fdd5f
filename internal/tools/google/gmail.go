package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/apiclient"
)

const (
	maxGmailResults   = 20
	maxGmailBodyChars = 8000
)

type gmail struct {
	api *apiclient.Client
}

type messagePart struct {
	MimeType string `json:"mimeType"`
	Body     struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []messagePart `json:"parts"`
}

type gmailMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	Snippet  string   `json:"snippet"`
	LabelIDs []string `json:"labelIds"`
	Payload  struct {
		messagePart
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (m *gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func (m *gmailMessage) textBody() string {
	if text := findText(m.Payload.messagePart); text != "" {
		return text
	}
	return m.Snippet
}

func findText(part messagePart) string {
	if part.MimeType == "text/plain" && part.Body.Data != "" {
		if decoded, err := decodeBase64URL(part.Body.Data); err == nil {
			return string(decoded)
		}
	}
	for _, child := range part.Parts {
		if text := findText(child); text != "" {
			return text
		}
	}
	return ""
}

func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}

type messageSummary struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	From     string `json:"from"`
	Subject  string `json:"subject"`
	Date     string `json:"date"`
	Snippet  string `json:"snippet"`
	Unread   bool   `json:"unread,omitempty"`
}

func (g *gmail) searchTool() tools.Tool {
	return tools.Tool{
		Name:        "gmail_search",
		Description: "Search the caller's Gmail using Gmail query syntax, e.g. is:unread newer_than:2d.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Gmail search query (default is:unread)"},
				"max_results": {"type": "integer", "minimum": 1, "maximum": 20}
			}
		}`),
		Status: "Checking your email...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				Query      string `json:"query"`
				MaxResults int    `json:"max_results"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			auth, err := token(call)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(args.Query) == "" {
				args.Query = "is:unread"
			}
			if args.MaxResults <= 0 || args.MaxResults > maxGmailResults {
				args.MaxResults = 10
			}

			var list struct {
				Messages []struct {
					ID string `json:"id"`
				} `json:"messages"`
			}
			query := url.Values{"q": {args.Query}, "maxResults": {strconv.Itoa(args.MaxResults)}}
			if err := g.api.Get(ctx, auth, "/users/me/messages", query, &list); err != nil {
				return nil, err
			}

			meta := url.Values{"format": {"metadata"}, "metadataHeaders": {"From", "Subject", "Date"}}
			messages := make([]messageSummary, 0, len(list.Messages))
			for _, ref := range list.Messages {
				var msg gmailMessage
				if err := g.api.Get(ctx, auth, "/users/me/messages/"+url.PathEscape(ref.ID), meta, &msg); err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					continue
				}
				messages = append(messages, summarizeMessage(&msg))
			}
			return map[string]any{"query": args.Query, "messages": messages, "count": len(messages)}, nil
		},
	}
}

func summarizeMessage(msg *gmailMessage) messageSummary {
	s := messageSummary{
		ID:       msg.ID,
		ThreadID: msg.ThreadID,
		From:     msg.header("From"),
		Subject:  msg.header("Subject"),
		Date:     msg.header("Date"),
		Snippet:  msg.Snippet,
	}
	for _, label := range msg.LabelIDs {
		if label == "UNREAD" {
			s.Unread = true
		}
	}
	return s
}

func (g *gmail) readTool() tools.Tool {
	return tools.Tool{
		Name:        "gmail_read",
		Description: "Read the full text of one Gmail message by id.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message_id": {"type": "string", "minLength": 1}
			},
			"required": ["message_id"]
		}`),
		Status: "Reading your email...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				MessageID string `json:"message_id"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			auth, err := token(call)
			if err != nil {
				return nil, err
			}
			var msg gmailMessage
			path := "/users/me/messages/" + url.PathEscape(strings.TrimSpace(args.MessageID))
			if err := g.api.Get(ctx, auth, path, url.Values{"format": {"full"}}, &msg); err != nil {
				return nil, err
			}
			body := msg.textBody()
			truncated := false
			if runes := []rune(body); len(runes) > maxGmailBodyChars {
				body = string(runes[:maxGmailBodyChars])
				truncated = true
			}
			return map[string]any{
				"message":   summarizeMessage(&msg),
				"to":        msg.header("To"),
				"body":      body,
				"truncated": truncated,
			}, nil
		},
	}
}

func (g *gmail) sendTool() tools.Tool {
	return tools.Tool{
		Name:        "gmail_send",
		Description: "Send a plain-text email from the caller's Gmail account.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"to": {"type": "string", "minLength": 3},
				"subject": {"type": "string"},
				"body": {"type": "string"},
				"cc": {"type": "string"}
			},
			"required": ["to", "subject", "body"]
		}`),
		Status: "Sending your email...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				To      string `json:"to"`
				Subject string `json:"subject"`
				Body    string `json:"body"`
				Cc      string `json:"cc"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			if _, err := mail.ParseAddressList(args.To); err != nil {
				return nil, tools.Errorf("invalid recipient %q", args.To)
			}
			if args.Cc != "" {
				if _, err := mail.ParseAddressList(args.Cc); err != nil {
					return nil, tools.Errorf("invalid cc %q", args.Cc)
				}
			}
			auth, err := token(call)
			if err != nil {
				return nil, err
			}

			raw := buildRawMessage(args.To, args.Cc, args.Subject, args.Body)
			var sent struct {
				ID       string `json:"id"`
				ThreadID string `json:"threadId"`
			}
			if err := g.api.Post(ctx, auth, "/users/me/messages/send", map[string]string{"raw": raw}, &sent); err != nil {
				return nil, err
			}
			return map[string]any{"sent": true, "id": sent.ID, "thread_id": sent.ThreadID}, nil
		},
	}
}

func buildRawMessage(to, cc, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	if cc != "" {
		fmt.Fprintf(&b, "Cc: %s\r\n", cc)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mimeHeader(subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(body)
	return base64.RawURLEncoding.EncodeToString([]byte(b.String()))
}

func mimeHeader(s string) string {
	for _, r := range s {
		if r > 127 {
			return "=?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte(s)) + "?="
		}
	}
	return s
}
