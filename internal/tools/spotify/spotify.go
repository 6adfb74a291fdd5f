// Package spotify provides music search and playback tools.
package spotify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/apiclient"
	"github.com/haasonsaas/concierge/pkg/models"
)

const defaultBaseURL = "https://api.spotify.com/v1"

type item struct {
	Name    string `json:"name"`
	URI     string `json:"uri"`
	Artists []struct {
		Name string `json:"name"`
	} `json:"artists"`
	Album struct {
		Name string `json:"name"`
	} `json:"album"`
	Owner struct {
		DisplayName string `json:"display_name"`
	} `json:"owner"`
	DurationMS int `json:"duration_ms"`
}

type result struct {
	Name   string `json:"name"`
	URI    string `json:"uri"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
}

func toResult(it item) result {
	names := make([]string, 0, len(it.Artists))
	for _, a := range it.Artists {
		names = append(names, a.Name)
	}
	r := result{Name: it.Name, URI: it.URI, Artist: strings.Join(names, ", "), Album: it.Album.Name}
	if r.Artist == "" {
		r.Artist = it.Owner.DisplayName
	}
	return r
}

type page struct {
	Items []item `json:"items"`
}

type client struct {
	api *apiclient.Client
}

func (c *client) search(ctx context.Context, auth apiclient.Auth, query, kind string, limit int) ([]result, error) {
	var resp map[string]page
	params := url.Values{"q": {query}, "type": {kind}, "limit": {strconv.Itoa(limit)}}
	if err := c.api.Get(ctx, auth, "/search", params, &resp); err != nil {
		return nil, err
	}
	found := resp[kind+"s"]
	out := make([]result, 0, len(found.Items))
	for _, it := range found.Items {
		out = append(out, toResult(it))
	}
	return out, nil
}

func playerError(err error) error {
	if apiclient.IsStatus(err, http.StatusNotFound) {
		return tools.Errorf("no active Spotify device; open Spotify on a phone or computer and try again")
	}
	if apiclient.IsStatus(err, http.StatusForbidden) {
		return tools.Errorf("playback control requires Spotify Premium")
	}
	return err
}

// Tools returns the Spotify tools. baseURL may be empty.
func Tools(baseURL string, hc *http.Client) []tools.Tool {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	c := &client{api: apiclient.New("spotify", baseURL, apiclient.WithHTTPClient(hc))}
	auth := func(call tools.Call) (apiclient.Auth, error) {
		in, err := call.Require(models.ProviderSpotify)
		if err != nil {
			return nil, err
		}
		return apiclient.Bearer(in.Token), nil
	}

	return []tools.Tool{
		{
			Name:        "spotify_search",
			Description: "Search Spotify for tracks, artists, albums or playlists.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "minLength": 1},
					"type": {"type": "string", "enum": ["track", "artist", "album", "playlist"]},
					"limit": {"type": "integer", "minimum": 1, "maximum": 20}
				},
				"required": ["query"]
			}`),
			Provider: models.ProviderSpotify,
			Status:   "Searching Spotify...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					Query string `json:"query"`
					Type  string `json:"type"`
					Limit int    `json:"limit"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				a, err := auth(call)
				if err != nil {
					return nil, err
				}
				if args.Type == "" {
					args.Type = "track"
				}
				if args.Limit <= 0 {
					args.Limit = 5
				}
				results, err := c.search(ctx, a, args.Query, args.Type, args.Limit)
				if err != nil {
					return nil, err
				}
				return map[string]any{"results": results}, nil
			},
		},
		{
			Name: "spotify_play",
			Description: "Start playback on the caller's active Spotify device. Pass a spotify: URI, or a query " +
				"to play the best matching track. With neither, resumes playback.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"uri": {"type": "string", "pattern": "^spotify:"},
					"query": {"type": "string"}
				}
			}`),
			Provider: models.ProviderSpotify,
			Status:   "Queueing up your music...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				var args struct {
					URI   string `json:"uri"`
					Query string `json:"query"`
				}
				if err := call.Bind(&args); err != nil {
					return nil, err
				}
				a, err := auth(call)
				if err != nil {
					return nil, err
				}
				var playing *result
				if args.URI == "" && strings.TrimSpace(args.Query) != "" {
					found, err := c.search(ctx, a, args.Query, "track", 1)
					if err != nil {
						return nil, err
					}
					if len(found) == 0 {
						return nil, tools.Errorf("nothing on Spotify matches %q", args.Query)
					}
					playing = &found[0]
					args.URI = found[0].URI
				}

				var body any
				switch {
				case strings.HasPrefix(args.URI, "spotify:track:"):
					body = map[string]any{"uris": []string{args.URI}}
				case args.URI != "":
					body = map[string]any{"context_uri": args.URI}
				}
				if err := c.api.Do(ctx, a, http.MethodPut, "/me/player/play", nil, body, nil); err != nil {
					return nil, playerError(err)
				}
				out := map[string]any{"playing": true}
				if playing != nil {
					out["track"] = playing
				} else if args.URI != "" {
					out["uri"] = args.URI
				}
				return out, nil
			},
		},
		{
			Name:        "spotify_pause",
			Description: "Pause playback on the caller's active Spotify device.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Provider:    models.ProviderSpotify,
			Status:      "Pausing your music...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				a, err := auth(call)
				if err != nil {
					return nil, err
				}
				if err := c.api.Do(ctx, a, http.MethodPut, "/me/player/pause", nil, nil, nil); err != nil {
					return nil, playerError(err)
				}
				return map[string]any{"paused": true}, nil
			},
		},
		{
			Name:        "spotify_now_playing",
			Description: "Show what is currently playing on the caller's Spotify account.",
			Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
			Provider:    models.ProviderSpotify,
			Status:      "Checking what's playing...",
			Handler: func(ctx context.Context, call tools.Call) (any, error) {
				a, err := auth(call)
				if err != nil {
					return nil, err
				}
				var resp struct {
					IsPlaying  bool  `json:"is_playing"`
					ProgressMS int   `json:"progress_ms"`
					Item       *item `json:"item"`
				}
				if err := c.api.Get(ctx, a, "/me/player/currently-playing", nil, &resp); err != nil {
					return nil, err
				}
				if resp.Item == nil {
					return map[string]any{"is_playing": false}, nil
				}
				return map[string]any{
					"is_playing":  resp.IsPlaying,
					"track":       toResult(*resp.Item),
					"progress_ms": resp.ProgressMS,
					"duration_ms": resp.Item.DurationMS,
				}, nil
			},
		},
	}
}
