package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools/apiclient"
	"github.com/haasonsaas/concierge/pkg/models"
)

// MetadataBaseURL is the integration metadata key holding the caller's
// Home Assistant URL.
const MetadataBaseURL = "base_url"

// client wraps Home Assistant's REST API for one caller.
type client struct {
	api   *apiclient.Client
	token string
}

func newClient(api *apiclient.Client, in models.ConnectedIntegration) (*client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(in.Metadata[MetadataBaseURL]), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("homeassistant: no base_url on the connection")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("homeassistant: invalid base_url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("homeassistant: base_url scheme must be http or https")
	}
	return &client{api: api.WithBaseURL(baseURL), token: in.Token}, nil
}

type entityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

// listStates returns all entity states (GET /api/states).
func (c *client) listStates(ctx context.Context) ([]entityState, error) {
	var states []entityState
	if err := c.api.Get(ctx, apiclient.Bearer(c.token), "/api/states", nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// getState returns a single entity state (GET /api/states/{entity_id}).
func (c *client) getState(ctx context.Context, entityID string) (*entityState, error) {
	var state entityState
	err := c.api.Get(ctx, apiclient.Bearer(c.token), "/api/states/"+url.PathEscape(entityID), nil, &state)
	if apiclient.IsStatus(err, http.StatusNotFound) {
		return nil, fmt.Errorf("entity %s not found", entityID)
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// callService calls a service (POST /api/services/{domain}/{service}) and
// returns the states it changed.
func (c *client) callService(ctx context.Context, domain, service string, data map[string]any) ([]entityState, error) {
	if data == nil {
		data = map[string]any{}
	}
	var raw json.RawMessage
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	if err := c.api.Post(ctx, apiclient.Bearer(c.token), path, data, &raw); err != nil {
		return nil, err
	}
	var changed []entityState
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &changed); err != nil {
			return nil, fmt.Errorf("homeassistant: decode service response: %w", err)
		}
	}
	return changed, nil
}
