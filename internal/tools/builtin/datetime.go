package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/tools"
)

func datetimeTool(now func() time.Time) tools.Tool {
	return tools.Tool{
		Name:        "get_current_datetime",
		Description: "Get the current date and time, optionally in an IANA timezone such as Europe/Oslo.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {"type": "string", "description": "IANA timezone name (default UTC)"}
			}
		}`),
		Status: "Checking the time...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				Timezone string `json:"timezone"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			name := strings.TrimSpace(args.Timezone)
			if name == "" {
				name = "UTC"
			}
			loc, err := time.LoadLocation(name)
			if err != nil {
				return nil, tools.Errorf("unknown timezone %q", name)
			}
			t := now().In(loc)
			return map[string]any{
				"iso":      t.Format(time.RFC3339),
				"date":     t.Format("2006-01-02"),
				"time":     t.Format("15:04"),
				"weekday":  t.Weekday().String(),
				"timezone": loc.String(),
				"unix":     t.Unix(),
			}, nil
		},
	}
}
