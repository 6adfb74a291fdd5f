// Package builtin provides the tools every caller gets regardless of which
// integrations are connected.
package builtin

import (
	"context"
	"net/http"
	"time"

	"github.com/haasonsaas/concierge/internal/tools"
)

// Completer is the one-shot model call used by translate_text.
type Completer interface {
	QuickChat(ctx context.Context, model, system, prompt string) (string, error)
}

// Config wires the built-in tools to their collaborators. Nil collaborators
// leave the corresponding tools out.
type Config struct {
	// Completer and Model back translate_text.
	Completer Completer
	Model     string

	Images ImageGenerator
	// ImageModel and ImageSize default to dall-e-3 at 1024x1024.
	ImageModel string
	ImageSize  string

	// Routines backs create_routine and list_routines.
	Routines RoutineService

	WeatherGeocodeURL  string
	WeatherForecastURL string
	HTTPClient         *http.Client

	Now func() time.Time
}

// Tools returns the configured built-in tools.
func Tools(cfg Config) []tools.Tool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	out := []tools.Tool{
		datetimeTool(cfg.Now),
		calculatorTool(),
		weatherTool(newWeatherClient(cfg.HTTPClient, cfg.WeatherGeocodeURL, cfg.WeatherForecastURL)),
	}
	if cfg.Completer != nil {
		out = append(out, translateTool(cfg.Completer, cfg.Model))
	}
	if cfg.Images != nil {
		out = append(out, imageTool(cfg.Images, cfg.ImageModel, cfg.ImageSize))
	}
	if cfg.Routines != nil {
		out = append(out, routineTools(cfg.Routines)...)
	}
	return out
}
