// Package google provides Calendar, Gmail and Drive tools for callers who
// connected a Google account.
package google

import (
	"net/http"
	"time"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/apiclient"
	"github.com/haasonsaas/concierge/pkg/models"
)

const (
	defaultCalendarURL = "https://www.googleapis.com/calendar/v3"
	defaultGmailURL    = "https://gmail.googleapis.com/gmail/v1"
	defaultDriveURL    = "https://www.googleapis.com/drive/v3"
)

// Config overrides API endpoints and the clock.
type Config struct {
	CalendarURL string
	GmailURL    string
	DriveURL    string
	HTTPClient  *http.Client
	Now         func() time.Time
}

// Tools returns the Google tools, gated on the google provider.
func Tools(cfg Config) []tools.Tool {
	if cfg.CalendarURL == "" {
		cfg.CalendarURL = defaultCalendarURL
	}
	if cfg.GmailURL == "" {
		cfg.GmailURL = defaultGmailURL
	}
	if cfg.DriveURL == "" {
		cfg.DriveURL = defaultDriveURL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hc := apiclient.WithHTTPClient(cfg.HTTPClient)

	cal := &calendar{api: apiclient.New("google calendar", cfg.CalendarURL, hc), now: cfg.Now}
	mail := &gmail{api: apiclient.New("gmail", cfg.GmailURL, hc)}
	drive := &drive{api: apiclient.New("google drive", cfg.DriveURL, hc)}

	out := []tools.Tool{
		cal.listEventsTool(),
		cal.createEventTool(),
		mail.searchTool(),
		mail.readTool(),
		mail.sendTool(),
		drive.searchTool(),
	}
	for i := range out {
		out[i].Provider = models.ProviderGoogle
	}
	return out
}

func token(call tools.Call) (apiclient.Auth, error) {
	in, err := call.Require(models.ProviderGoogle)
	if err != nil {
		return nil, err
	}
	return apiclient.Bearer(in.Token), nil
}
