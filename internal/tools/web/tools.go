package web

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
)

// Completer is the one-shot model call used for summaries.
type Completer interface {
	QuickChat(ctx context.Context, model, system, prompt string) (string, error)
}

const summarizeSystem = "You summarize web pages. Reply with a short summary of the page in plain prose, " +
	"then up to five bullet points with the key facts. Do not invent details."

// Tools returns the web tools. searcher may be nil, in which case web_search
// reports that search is not configured. completer may be nil, in which case
// summarize_url is omitted.
func Tools(searcher *Searcher, fetcher *Fetcher, completer Completer, model string) []tools.Tool {
	out := []tools.Tool{
		{
			Name:        "web_search",
			Description: "Search the web and return the top results with titles, URLs and snippets.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "minLength": 1, "description": "Search query"},
					"count": {"type": "integer", "minimum": 1, "maximum": 10, "description": "Number of results (default 5)"}
				},
				"required": ["query"]
			}`),
			Status:  "Searching the web...",
			Handler: searchHandler(searcher),
		},
		{
			Name:        "fetch_url",
			Description: "Fetch a web page and return its readable content as markdown.",
			Parameters:  urlSchema,
			Status:      "Reading the page...",
			Handler:     fetchHandler(fetcher),
		},
	}
	if completer != nil {
		out = append(out, tools.Tool{
			Name:        "summarize_url",
			Description: "Fetch a web page and summarize it.",
			Parameters:  urlSchema,
			Status:      "Summarizing the page...",
			Handler:     summarizeHandler(fetcher, completer, model),
		})
	}
	return out
}

var urlSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1, "description": "http or https URL"}
	},
	"required": ["url"]
}`)

func searchHandler(searcher *Searcher) tools.Handler {
	return func(ctx context.Context, call tools.Call) (any, error) {
		var args struct {
			Query string `json:"query"`
			Count int    `json:"count"`
		}
		if err := call.Bind(&args); err != nil {
			return nil, err
		}
		if searcher == nil {
			return nil, tools.Errorf("web search is not configured")
		}
		results, err := searcher.Search(ctx, args.Query, args.Count)
		if err != nil {
			return nil, err
		}
		return map[string]any{"query": args.Query, "results": results}, nil
	}
}

func fetchHandler(fetcher *Fetcher) tools.Handler {
	return func(ctx context.Context, call tools.Call) (any, error) {
		var args struct {
			URL string `json:"url"`
		}
		if err := call.Bind(&args); err != nil {
			return nil, err
		}
		return fetcher.Fetch(ctx, args.URL)
	}
}

func summarizeHandler(fetcher *Fetcher, completer Completer, model string) tools.Handler {
	return func(ctx context.Context, call tools.Call) (any, error) {
		var args struct {
			URL string `json:"url"`
		}
		if err := call.Bind(&args); err != nil {
			return nil, err
		}
		page, err := fetcher.Fetch(ctx, args.URL)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(page.Content) == "" {
			return nil, tools.Errorf("page has no readable content")
		}
		source := page.URL
		if page.FinalURL != "" {
			source = page.FinalURL
		}
		prompt := fmt.Sprintf("Title: %s\nURL: %s\n\n%s", page.Title, source, page.Content)
		summary, err := completer.QuickChat(ctx, model, summarizeSystem, prompt)
		if err != nil {
			return nil, fmt.Errorf("summarize: %w", err)
		}
		return map[string]any{
			"url":       source,
			"title":     page.Title,
			"summary":   strings.TrimSpace(summary),
			"truncated": page.Truncated,
		}, nil
	}
}
