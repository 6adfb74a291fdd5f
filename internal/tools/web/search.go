package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Search backends.
const (
	BackendBrave   = "brave"
	BackendSearXNG = "searxng"

	defaultBraveURL    = "https://api.search.brave.com/res/v1"
	defaultResultCount = 5
	maxResultCount     = 10
	maxSearchBody      = int64(1 << 20)
)

// SearchConfig configures a Searcher.
type SearchConfig struct {
	Backend string
	APIKey  string

	// URL is the SearXNG instance, or an override of the Brave API base.
	URL        string
	HTTPClient *http.Client
}

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher queries a web search backend.
type Searcher struct {
	backend string
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewSearcher validates cfg and creates a Searcher.
func NewSearcher(cfg SearchConfig) (*Searcher, error) {
	s := &Searcher{backend: strings.ToLower(cfg.Backend), apiKey: cfg.APIKey, client: cfg.HTTPClient}
	if s.client == nil {
		s.client = &http.Client{Timeout: 15 * time.Second}
	}
	switch s.backend {
	case "", BackendBrave:
		s.backend = BackendBrave
		s.baseURL = strings.TrimRight(cfg.URL, "/")
		if s.baseURL == "" {
			s.baseURL = defaultBraveURL
		}
	case BackendSearXNG:
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("websearch: searxng requires a url")
		}
		s.baseURL = strings.TrimRight(cfg.URL, "/")
	default:
		return nil, fmt.Errorf("websearch: unknown backend %q", cfg.Backend)
	}
	return s, nil
}

// Backend returns the configured backend name.
func (s *Searcher) Backend() string { return s.backend }

// Search returns up to count results for query.
func (s *Searcher) Search(ctx context.Context, query string, count int) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if count <= 0 {
		count = defaultResultCount
	}
	if count > maxResultCount {
		count = maxResultCount
	}
	if s.backend == BackendSearXNG {
		return s.searchSearXNG(ctx, query, count)
	}
	return s.searchBrave(ctx, query, count)
}

func (s *Searcher) searchBrave(ctx context.Context, query string, count int) ([]Result, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("web search is not configured")
	}
	params := url.Values{"q": {query}, "count": {strconv.Itoa(count)}}
	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	headers := map[string]string{"X-Subscription-Token": s.apiKey}
	if err := s.getJSON(ctx, s.baseURL+"/web/search?"+params.Encode(), headers, &payload); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(payload.Web.Results))
	for _, r := range payload.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)})
		if len(results) == count {
			break
		}
	}
	return results, nil
}

func (s *Searcher) searchSearXNG(ctx context.Context, query string, count int) ([]Result, error) {
	params := url.Values{"q": {query}, "format": {"json"}}
	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := s.getJSON(ctx, s.baseURL+"/search?"+params.Encode(), nil, &payload); err != nil {
		return nil, err
	}
	results := make([]Result, 0, count)
	for _, r := range payload.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
		if len(results) == count {
			break
		}
	}
	return results, nil
}

func (s *Searcher) getJSON(ctx context.Context, endpoint string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s search failed: %w", s.backend, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s search failed: HTTP %d", s.backend, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", s.backend, err)
	}
	return nil
}

func stripTags(s string) string {
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
