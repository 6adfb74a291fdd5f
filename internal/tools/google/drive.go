package google

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/apiclient"
)

type drive struct {
	api *apiclient.Client
}

type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	ModifiedTime string `json:"modifiedTime"`
	WebViewLink  string `json:"webViewLink"`
}

func (d *drive) searchTool() tools.Tool {
	return tools.Tool{
		Name:        "google_drive_search",
		Description: "Search the caller's Google Drive for files by name or content.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"max_results": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"]
		}`),
		Status: "Searching your Drive...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
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
			if args.MaxResults <= 0 {
				args.MaxResults = 10
			}
			term := driveQuote(strings.TrimSpace(args.Query))
			query := url.Values{
				"q":        {"(name contains '" + term + "' or fullText contains '" + term + "') and trashed = false"},
				"pageSize": {strconv.Itoa(args.MaxResults)},
				"orderBy":  {"modifiedTime desc"},
				"fields":   {"files(id,name,mimeType,modifiedTime,webViewLink)"},
			}
			var resp struct {
				Files []driveFile `json:"files"`
			}
			if err := d.api.Get(ctx, auth, "/files", query, &resp); err != nil {
				return nil, err
			}
			files := make([]map[string]string, 0, len(resp.Files))
			for _, f := range resp.Files {
				files = append(files, map[string]string{
					"id":       f.ID,
					"name":     f.Name,
					"type":     f.MimeType,
					"modified": f.ModifiedTime,
					"link":     f.WebViewLink,
				})
			}
			return map[string]any{"files": files, "count": len(files)}, nil
		},
	}
}

func driveQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
