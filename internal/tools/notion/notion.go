// Package notion provides note-taking tools backed by the caller's Notion
// workspace.
package notion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/apiclient"
	"github.com/haasonsaas/concierge/pkg/models"
)

const (
	defaultBaseURL = "https://api.notion.com/v1"
	apiVersion     = "2022-06-28"
	maxBlockText   = 2000
)

type richText struct {
	PlainText string `json:"plain_text"`
}

func plain(parts []richText) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.PlainText)
	}
	return b.String()
}

type object struct {
	Object         string                     `json:"object"`
	ID             string                     `json:"id"`
	URL            string                     `json:"url"`
	LastEditedTime string                     `json:"last_edited_time"`
	Title          []richText                 `json:"title"`
	Properties     map[string]json.RawMessage `json:"properties"`
}

// title finds the page's title property regardless of its name.
func (o object) title() string {
	if len(o.Title) > 0 {
		return plain(o.Title)
	}
	for _, raw := range o.Properties {
		var prop struct {
			Type  string     `json:"type"`
			Title []richText `json:"title"`
		}
		if json.Unmarshal(raw, &prop) == nil && prop.Type == "title" {
			return plain(prop.Title)
		}
	}
	return ""
}

type block struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Raw  map[string]json.RawMessage
}

func (b *block) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	b.Type, b.ID = head.Type, head.ID
	return json.Unmarshal(data, &b.Raw)
}

func (b *block) text() string {
	var body struct {
		RichText []richText `json:"rich_text"`
		Checked  bool       `json:"checked"`
	}
	if raw, ok := b.Raw[b.Type]; !ok || json.Unmarshal(raw, &body) != nil {
		return ""
	}
	text := plain(body.RichText)
	switch b.Type {
	case "heading_1":
		return "# " + text
	case "heading_2":
		return "## " + text
	case "heading_3":
		return "### " + text
	case "bulleted_list_item":
		return "- " + text
	case "numbered_list_item":
		return "1. " + text
	case "to_do":
		if body.Checked {
			return "- [x] " + text
		}
		return "- [ ] " + text
	case "quote":
		return "> " + text
	}
	return text
}

func paragraphs(content string) []map[string]any {
	var blocks []map[string]any
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		for para != "" {
			chunk := para
			if runes := []rune(para); len(runes) > maxBlockText {
				chunk = string(runes[:maxBlockText])
			}
			para = para[len(chunk):]
			blocks = append(blocks, map[string]any{
				"object": "block",
				"type":   "paragraph",
				"paragraph": map[string]any{
					"rich_text": []map[string]any{{"type": "text", "text": map[string]string{"content": chunk}}},
				},
			})
		}
	}
	return blocks
}

// Tools returns the Notion tools. baseURL may be empty.
func Tools(baseURL string, hc *http.Client) []tools.Tool {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	api := apiclient.New("notion", baseURL, apiclient.WithHTTPClient(hc), apiclient.WithHeader("Notion-Version", apiVersion))
	auth := func(call tools.Call) (apiclient.Auth, error) {
		in, err := call.Require(models.ProviderNotion)
		if err != nil {
			return nil, err
		}
		return apiclient.Bearer(in.Token), nil
	}

	return []tools.Tool{
		{
			Name:        "notion_search",
			Description: "Search pages and databases shared with the integration in the caller's Notion workspace.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string"},
					"kind": {"type": "string", "enum": ["page", "database"]},
					"limit": {"type": "integer", "minimum": 1, "maximum": 50}
				}
			}`),
			Provider: models.ProviderNotion,
			Status:   "Searching your notes...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					Query string `json:"query"`
					Kind  string `json:"kind"`
					Limit int    `json:"limit"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				a, err := auth(call)
				if err != nil {
					return nil, err
				}
				if args.Limit <= 0 {
					args.Limit = 10
				}
				body := map[string]any{"query": args.Query, "page_size": args.Limit}
				if args.Kind != "" {
					body["filter"] = map[string]string{"property": "object", "value": args.Kind}
				}
				var resp struct {
					Results []object `json:"results"`
				}
				if err := api.Post(ctx, a, "/search", body, &resp); err != nil {
					return nil, err
				}
				results := make([]map[string]string, 0, len(resp.Results))
				for _, o := range resp.Results {
					results = append(results, map[string]string{
						"id":          o.ID,
						"kind":        o.Object,
						"title":       o.title(),
						"url":         o.URL,
						"last_edited": o.LastEditedTime,
					})
				}
				return map[string]any{"results": results}, nil
			},
		},
		{
			Name:        "notion_read_page",
			Description: "Read the text content of a Notion page.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {"page_id": {"type": "string", "minLength": 1}},
				"required": ["page_id"]
			}`),
			Provider: models.ProviderNotion,
			Status:   "Reading your notes...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					PageID string `json:"page_id"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				a, err := auth(call)
				if err != nil {
					return nil, err
				}
				var resp struct {
					Results []block `json:"results"`
					HasMore bool    `json:"has_more"`
				}
				path := "/blocks/" + url.PathEscape(strings.TrimSpace(args.PageID)) + "/children"
				if err := api.Get(ctx, a, path, url.Values{"page_size": {"100"}}, &resp); err != nil {
					return nil, err
				}
				lines := make([]string, 0, len(resp.Results))
				for i := range resp.Results {
					if text := resp.Results[i].text(); text != "" {
						lines = append(lines, text)
					}
				}
				return map[string]any{
					"page_id":   args.PageID,
					"content":   strings.Join(lines, "\n"),
					"truncated": resp.HasMore,
				}, nil
			},
		},
		{
			Name:        "notion_create_page",
			Description: "Create a Notion page with a title and plain-text content under a parent page.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"parent_page_id": {"type": "string", "minLength": 1},
					"title": {"type": "string", "minLength": 1},
					"content": {"type": "string"}
				},
				"required": ["parent_page_id", "title"]
			}`),
			Provider: models.ProviderNotion,
			Status:   "Writing it down...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					ParentPageID string `json:"parent_page_id"`
					Title        string `json:"title"`
					Content      string `json:"content"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				a, err := auth(call)
				if err != nil {
					return nil, err
				}
				body := map[string]any{
					"parent": map[string]string{"page_id": args.ParentPageID},
					"properties": map[string]any{
						"title": map[string]any{
							"title": []map[string]any{{"text": map[string]string{"content": args.Title}}},
						},
					},
				}
				if blocks := paragraphs(args.Content); len(blocks) > 0 {
					body["children"] = blocks
				}
				var created object
				if err := api.Post(ctx, a, "/pages", body, &created); err != nil {
					return nil, err
				}
				return map[string]any{"created": true, "id": created.ID, "url": created.URL}, nil
			},
		},
	}
}
