package google

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/apiclient"
)

const (
	defaultEventWindow = 7 * 24 * time.Hour
	maxEvents          = 50
)

type calendar struct {
	api *apiclient.Client
	now func() time.Time
}

type eventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type calendarEvent struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	HTMLLink    string    `json:"htmlLink"`
	Start       eventTime `json:"start"`
	End         eventTime `json:"end"`
	Attendees   []struct {
		Email string `json:"email"`
	} `json:"attendees"`
}

type event struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	AllDay    bool     `json:"all_day,omitempty"`
	Location  string   `json:"location,omitempty"`
	Link      string   `json:"link,omitempty"`
	Attendees []string `json:"attendees,omitempty"`
}

func toEvent(e calendarEvent) event {
	out := event{
		ID:       e.ID,
		Title:    e.Summary,
		Start:    e.Start.DateTime,
		End:      e.End.DateTime,
		Location: e.Location,
		Link:     e.HTMLLink,
	}
	if out.Start == "" {
		out.Start, out.End, out.AllDay = e.Start.Date, e.End.Date, true
	}
	for _, a := range e.Attendees {
		out.Attendees = append(out.Attendees, a.Email)
	}
	return out
}

func (c *calendar) listEventsTool() tools.Tool {
	return tools.Tool{
		Name:        "google_calendar_list_events",
		Description: "List upcoming events on the caller's primary Google Calendar. Defaults to the next 7 days.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"time_min": {"type": "string", "format": "date-time", "description": "RFC3339 start of the window"},
				"time_max": {"type": "string", "format": "date-time", "description": "RFC3339 end of the window"},
				"query": {"type": "string", "description": "Free-text filter"},
				"max_results": {"type": "integer", "minimum": 1, "maximum": 50}
			}
		}`),
		Status: "Checking your calendar...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				TimeMin    string `json:"time_min"`
				TimeMax    string `json:"time_max"`
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
			now := c.now().UTC()
			if args.TimeMin == "" {
				args.TimeMin = now.Format(time.RFC3339)
			}
			if args.TimeMax == "" {
				args.TimeMax = now.Add(defaultEventWindow).Format(time.RFC3339)
			}
			if args.MaxResults <= 0 || args.MaxResults > maxEvents {
				args.MaxResults = 20
			}
			query := url.Values{
				"singleEvents": {"true"},
				"orderBy":      {"startTime"},
				"timeMin":      {args.TimeMin},
				"timeMax":      {args.TimeMax},
				"maxResults":   {strconv.Itoa(args.MaxResults)},
			}
			if q := strings.TrimSpace(args.Query); q != "" {
				query.Set("q", q)
			}

			var resp struct {
				Items []calendarEvent `json:"items"`
			}
			if err := c.api.Get(ctx, auth, "/calendars/primary/events", query, &resp); err != nil {
				return nil, err
			}
			events := make([]event, 0, len(resp.Items))
			for _, item := range resp.Items {
				events = append(events, toEvent(item))
			}
			return map[string]any{"events": events, "count": len(events)}, nil
		},
	}
}

func (c *calendar) createEventTool() tools.Tool {
	return tools.Tool{
		Name:        "google_calendar_create_event",
		Description: "Create an event on the caller's primary Google Calendar.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"start": {"type": "string", "description": "RFC3339 start time, or YYYY-MM-DD for all-day"},
				"end": {"type": "string", "description": "RFC3339 end time, or YYYY-MM-DD for all-day"},
				"description": {"type": "string"},
				"location": {"type": "string"},
				"attendees": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["title", "start", "end"]
		}`),
		Status: "Adding it to your calendar...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				Title       string   `json:"title"`
				Start       string   `json:"start"`
				End         string   `json:"end"`
				Description string   `json:"description"`
				Location    string   `json:"location"`
				Attendees   []string `json:"attendees"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			start, err := parseEventTime(args.Start)
			if err != nil {
				return nil, err
			}
			end, err := parseEventTime(args.End)
			if err != nil {
				return nil, err
			}
			auth, err := token(call)
			if err != nil {
				return nil, err
			}

			body := map[string]any{
				"summary": args.Title,
				"start":   start,
				"end":     end,
			}
			if args.Description != "" {
				body["description"] = args.Description
			}
			if args.Location != "" {
				body["location"] = args.Location
			}
			if len(args.Attendees) > 0 {
				attendees := make([]map[string]string, 0, len(args.Attendees))
				for _, email := range args.Attendees {
					attendees = append(attendees, map[string]string{"email": email})
				}
				body["attendees"] = attendees
			}

			var created calendarEvent
			if err := c.api.Post(ctx, auth, "/calendars/primary/events", body, &created); err != nil {
				return nil, err
			}
			return map[string]any{"created": true, "event": toEvent(created)}, nil
		},
	}
}

func parseEventTime(raw string) (eventTime, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return eventTime{DateTime: t.Format(time.RFC3339)}, nil
	}
	if _, err := time.Parse("2006-01-02", raw); err == nil {
		return eventTime{Date: raw}, nil
	}
	return eventTime{}, tools.Errorf("invalid time %q: use RFC3339 or YYYY-MM-DD", raw)
}
