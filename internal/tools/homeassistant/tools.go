// Package homeassistant provides smart-home tools backed by the caller's
// Home Assistant instance.
package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/apiclient"
	"github.com/haasonsaas/concierge/pkg/models"
)

const defaultEntityLimit = 200

type entitySummary struct {
	EntityID      string `json:"entity_id"`
	State         string `json:"state"`
	FriendlyName  string `json:"friendly_name,omitempty"`
	DeviceClass   string `json:"device_class,omitempty"`
	UnitOfMeasure string `json:"unit_of_measurement,omitempty"`
	LastChanged   string `json:"last_changed,omitempty"`
}

func summarize(s entityState) entitySummary {
	out := entitySummary{EntityID: s.EntityID, State: s.State, LastChanged: s.LastChanged}
	if v, ok := s.Attributes["friendly_name"].(string); ok {
		out.FriendlyName = v
	}
	if v, ok := s.Attributes["device_class"].(string); ok {
		out.DeviceClass = v
	}
	if v, ok := s.Attributes["unit_of_measurement"].(string); ok {
		out.UnitOfMeasure = v
	}
	return out
}

// Tools returns the Home Assistant tools. hc may be nil.
func Tools(hc *http.Client) []tools.Tool {
	api := apiclient.New("homeassistant", "", apiclient.WithHTTPClient(hc))
	connect := func(call tools.Call) (*client, error) {
		in, err := call.Require(models.ProviderHomeAssistant)
		if err != nil {
			return nil, err
		}
		return newClient(api, in)
	}

	return []tools.Tool{
		{
			Name:        "ha_list_entities",
			Description: "List Home Assistant entities with their state. Optional domain filter such as light or climate.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"domain": {"type": "string", "description": "Entity domain filter, e.g. light"},
					"limit": {"type": "integer", "minimum": 1, "maximum": 500}
				}
			}`),
			Provider: models.ProviderHomeAssistant,
			Status:   "Checking your home...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					Domain string `json:"domain"`
					Limit  int    `json:"limit"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				if args.Limit <= 0 {
					args.Limit = defaultEntityLimit
				}
				c, err := connect(call)
				if err != nil {
					return nil, err
				}
				states, err := c.listStates(ctx)
				if err != nil {
					return nil, err
				}
				prefix := ""
				if d := strings.ToLower(strings.TrimSpace(args.Domain)); d != "" {
					prefix = d + "."
				}
				out := make([]entitySummary, 0)
				for _, s := range states {
					if s.EntityID == "" || !strings.HasPrefix(strings.ToLower(s.EntityID), prefix) {
						continue
					}
					out = append(out, summarize(s))
					if len(out) >= args.Limit {
						break
					}
				}
				return map[string]any{"entities": out, "total": len(out)}, nil
			},
		},
		{
			Name:        "ha_get_state",
			Description: "Get the current state and attributes of a Home Assistant entity.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entity_id": {"type": "string", "minLength": 1, "description": "Entity ID, e.g. light.kitchen"}
				},
				"required": ["entity_id"]
			}`),
			Provider: models.ProviderHomeAssistant,
			Status:   "Checking your home...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					EntityID string `json:"entity_id"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				c, err := connect(call)
				if err != nil {
					return nil, err
				}
				return c.getState(ctx, strings.TrimSpace(args.EntityID))
			},
		},
		{
			Name:        "ha_call_service",
			Description: "Call a Home Assistant service, e.g. domain light with service turn_on and service_data {\"entity_id\":\"light.kitchen\"}.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"domain": {"type": "string", "minLength": 1},
					"service": {"type": "string", "minLength": 1},
					"service_data": {"type": "object", "additionalProperties": true}
				},
				"required": ["domain", "service"]
			}`),
			Provider: models.ProviderHomeAssistant,
			Status:   "Adjusting your home...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					Domain      string         `json:"domain"`
					Service     string         `json:"service"`
					ServiceData map[string]any `json:"service_data"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				c, err := connect(call)
				if err != nil {
					return nil, err
				}
				changed, err := c.callService(ctx, strings.TrimSpace(args.Domain), strings.TrimSpace(args.Service), args.ServiceData)
				if err != nil {
					return nil, err
				}
				summaries := make([]entitySummary, 0, len(changed))
				for _, s := range changed {
					summaries = append(summaries, summarize(s))
				}
				return map[string]any{"ok": true, "changed": summaries}, nil
			},
		},
	}
}
