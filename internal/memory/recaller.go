// Package memory is the client side of the semantic-memory service. Only
// recall is modeled: the service owns embedding, storage and capture.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/tools/apiclient"
)

// Config configures the recall client.
type Config struct {
	URL    string
	APIKey string

	// MinScore drops results below this similarity (default 0.3).
	MinScore float64
	// MinQueryLength skips recall for very short prompts (default 5).
	MinQueryLength int
	Timeout        time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Memory is one recalled fact.
type Memory struct {
	Content  string  `json:"content"`
	Category string  `json:"category,omitempty"`
	Score    float64 `json:"score"`
}

// HTTPRecaller recalls memories from the memory service over HTTP.
type HTTPRecaller struct {
	api            *apiclient.Client
	auth           apiclient.Auth
	minScore       float64
	minQueryLength int
	logger         *slog.Logger
}

// NewHTTPRecaller creates an HTTPRecaller.
func NewHTTPRecaller(cfg Config) (*HTTPRecaller, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("memory service url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	r := &HTTPRecaller{
		api:            apiclient.New("memory", strings.TrimRight(cfg.URL, "/"), apiclient.WithHTTPClient(hc)),
		auth:           func(*http.Request) {},
		minScore:       cfg.MinScore,
		minQueryLength: cfg.MinQueryLength,
		logger:         cfg.Logger,
	}
	if cfg.APIKey != "" {
		r.auth = apiclient.Bearer(cfg.APIKey)
	}
	if r.minScore <= 0 {
		r.minScore = 0.3
	}
	if r.minQueryLength <= 0 {
		r.minQueryLength = 5
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "memory")
	}
	return r, nil
}

type recallRequest struct {
	CallerID string `json:"caller_id"`
	Query    string `json:"query"`
	K        int    `json:"k"`
}

type recallResponse struct {
	Memories []Memory `json:"memories"`
}

// Search returns up to k memories for the query, best first.
func (r *HTTPRecaller) Search(ctx context.Context, callerID, query string, k int) ([]Memory, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < r.minQueryLength || k <= 0 {
		return nil, nil
	}
	var resp recallResponse
	if err := r.api.Post(ctx, r.auth, "/recall", recallRequest{CallerID: callerID, Query: query, K: k}, &resp); err != nil {
		return nil, fmt.Errorf("recall memories: %w", err)
	}
	out := make([]Memory, 0, len(resp.Memories))
	for _, m := range resp.Memories {
		if m.Score < r.minScore || strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, m)
		if len(out) == k {
			break
		}
	}
	r.logger.Debug("recalled memories", "caller_id", callerID, "count", len(out))
	return out, nil
}

// Recall implements the conversation loop's recaller, rendering each memory
// as one line.
func (r *HTTPRecaller) Recall(ctx context.Context, callerID, query string, k int) ([]string, error) {
	memories, err := r.Search(ctx, callerID, query, k)
	if err != nil || len(memories) == 0 {
		return nil, err
	}
	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		if m.Category != "" {
			lines = append(lines, "["+m.Category+"] "+m.Content)
			continue
		}
		lines = append(lines, m.Content)
	}
	return lines, nil
}
