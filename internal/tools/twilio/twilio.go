// Package twilio places voice calls and sends SMS through the caller's
// Twilio account.
package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/apiclient"
	"github.com/haasonsaas/concierge/pkg/models"
)

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Integration metadata keys.
const (
	MetadataAccountSID = "account_sid"
	MetadataFromNumber = "from_number"
)

// CallToolName is metered per caller per day by the registry.
const CallToolName = "twilio_make_call"

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

type account struct {
	sid  string
	from string
	auth apiclient.Auth
}

func connect(call tools.Call) (*account, error) {
	in, err := call.Require(models.ProviderTwilio)
	if err != nil {
		return nil, err
	}
	acct := &account{sid: in.Metadata[MetadataAccountSID], from: in.Metadata[MetadataFromNumber]}
	if acct.sid == "" || acct.from == "" {
		return nil, tools.Errorf("twilio connection is missing the account SID or from number")
	}
	acct.auth = apiclient.Basic(acct.sid, in.Token)
	return acct, nil
}

func validNumber(n string) error {
	if !e164.MatchString(n) {
		return tools.Errorf("phone number %q must be in E.164 format, e.g. +15551234567", n)
	}
	return nil
}

func sayTwiML(message, voice string) string {
	var b bytes.Buffer
	b.WriteString(`<Response><Say voice="`)
	_ = xml.EscapeText(&b, []byte(voice))
	b.WriteString(`">`)
	_ = xml.EscapeText(&b, []byte(message))
	b.WriteString(`</Say></Response>`)
	return b.String()
}

type resource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
}

// Tools returns the Twilio tools. baseURL may be empty.
func Tools(baseURL string, hc *http.Client) []tools.Tool {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	api := apiclient.New("twilio", baseURL, apiclient.WithHTTPClient(hc))
	post := func(ctx context.Context, acct *account, resourceName string, form url.Values) (*resource, error) {
		var out resource
		path := "/Accounts/" + url.PathEscape(acct.sid) + "/" + resourceName + ".json"
		if err := api.Do(ctx, acct.auth, http.MethodPost, path, nil, form, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}

	return []tools.Tool{
		{
			Name:        CallToolName,
			Description: "Place a phone call that speaks a message aloud. Limited per day.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"to": {"type": "string", "description": "E.164 phone number"},
					"message": {"type": "string", "minLength": 1, "maxLength": 1000},
					"voice": {"type": "string", "description": "Twilio voice (default alice)"}
				},
				"required": ["to", "message"]
			}`),
			Provider: models.ProviderTwilio,
			Status:   "Placing the call...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					To      string `json:"to"`
					Message string `json:"message"`
					Voice   string `json:"voice"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				if err := validNumber(args.To); err != nil {
					return nil, err
				}
				acct, err := connect(call)
				if err != nil {
					return nil, err
				}
				if args.Voice == "" {
					args.Voice = "alice"
				}
				res, err := post(ctx, acct, "Calls", url.Values{
					"To":    {args.To},
					"From":  {acct.from},
					"Twiml": {sayTwiML(args.Message, args.Voice)},
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"call_sid": res.SID, "status": res.Status, "to": args.To}, nil
			},
		},
		{
			Name:        "twilio_send_sms",
			Description: "Send an SMS text message.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"to": {"type": "string", "description": "E.164 phone number"},
					"body": {"type": "string", "minLength": 1, "maxLength": 1600}
				},
				"required": ["to", "body"]
			}`),
			Provider: models.ProviderTwilio,
			Status:   "Sending the text...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					To   string `json:"to"`
					Body string `json:"body"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				if err := validNumber(strings.TrimSpace(args.To)); err != nil {
					return nil, err
				}
				acct, err := connect(call)
				if err != nil {
					return nil, err
				}
				res, err := post(ctx, acct, "Messages", url.Values{
					"To":   {strings.TrimSpace(args.To)},
					"From": {acct.from},
					"Body": {args.Body},
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"message_sid": res.SID, "status": res.Status, "to": res.To}, nil
			},
		},
	}
}
