// Package apiclient is the small JSON-over-HTTP client shared by the
// integration tools. Every request carries the caller's token; nothing is
// cached between calls.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout          = 15 * time.Second
	defaultMaxResponseBytes = int64(2 << 20)
)

// Auth applies credentials to an outgoing request.
type Auth func(req *http.Request)

// Bearer sets an OAuth bearer token.
func Bearer(token string) Auth {
	return func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+token) }
}

// Basic sets HTTP basic credentials.
func Basic(user, password string) Auth {
	return func(req *http.Request) { req.SetBasicAuth(user, password) }
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Service string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.Status, msg)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == status
}

// Client talks to one REST API.
type Client struct {
	service  string
	baseURL  string
	client   *http.Client
	headers  map[string]string
	maxBytes int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithHeader sets a header on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// New creates a client for service rooted at baseURL.
func New(service, baseURL string, opts ...Option) *Client {
	c := &Client{
		service:  service,
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:   &http.Client{Timeout: defaultTimeout},
		headers:  make(map[string]string),
		maxBytes: defaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithBaseURL returns a copy of c rooted at baseURL, for APIs whose host is
// per-caller.
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := *c
	clone.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &clone
}

// Get issues a GET request and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, auth Auth, path string, query url.Values, out any) error {
	return c.Do(ctx, auth, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON body.
func (c *Client) Post(ctx context.Context, auth Auth, path string, body, out any) error {
	return c.Do(ctx, auth, http.MethodPost, path, nil, body, out)
}

// Do sends a request with an optional JSON body. out may be nil; a
// *json.RawMessage receives the raw body.
func (c *Client) Do(ctx context.Context, auth Auth, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case url.Values:
		reader = strings.NewReader(b.Encode())
		contentType = "application/x-www-form-urlencoded"
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", c.service, err)
		}
		reader = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	return c.send(ctx, auth, method, path, query, reader, contentType, out)
}

func (c *Client) send(ctx context.Context, auth Auth, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%s: base url is not configured", c.service)
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.service, err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if auth != nil {
		auth(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", c.service, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", c.service, err)
	}
	if int64(len(data)) > c.maxBytes {
		return fmt.Errorf("%s: response too large", c.service)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Service: c.service, Status: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.service, err)
	}
	return nil
}
