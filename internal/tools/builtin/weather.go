package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/haasonsaas/concierge/internal/tools"
)

const (
	defaultGeocodeURL  = "https://geocoding-api.open-meteo.com"
	defaultForecastURL = "https://api.open-meteo.com"
	maxForecastDays    = 7
)

var weatherCodes = map[int]string{
	0: "clear sky", 1: "mainly clear", 2: "partly cloudy", 3: "overcast",
	45: "fog", 48: "depositing rime fog",
	51: "light drizzle", 53: "drizzle", 55: "dense drizzle",
	56: "freezing drizzle", 57: "dense freezing drizzle",
	61: "light rain", 63: "rain", 65: "heavy rain",
	66: "freezing rain", 67: "heavy freezing rain",
	71: "light snow", 73: "snow", 75: "heavy snow", 77: "snow grains",
	80: "light showers", 81: "showers", 82: "violent showers",
	85: "snow showers", 86: "heavy snow showers",
	95: "thunderstorm", 96: "thunderstorm with hail", 99: "thunderstorm with heavy hail",
}

func describeWeather(code int) string {
	if d, ok := weatherCodes[code]; ok {
		return d
	}
	return "unknown"
}

type weatherClient struct {
	client      *http.Client
	geocodeURL  string
	forecastURL string
}

func newWeatherClient(client *http.Client, geocodeURL, forecastURL string) *weatherClient {
	if geocodeURL == "" {
		geocodeURL = defaultGeocodeURL
	}
	if forecastURL == "" {
		forecastURL = defaultForecastURL
	}
	return &weatherClient{
		client:      client,
		geocodeURL:  strings.TrimRight(geocodeURL, "/"),
		forecastURL: strings.TrimRight(forecastURL, "/"),
	}
}

type place struct {
	Name      string  `json:"name"`
	Country   string  `json:"country,omitempty"`
	Admin1    string  `json:"admin1,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone,omitempty"`
}

func (w *weatherClient) geocode(ctx context.Context, location string) (*place, error) {
	params := url.Values{"name": {location}, "count": {"1"}, "language": {"en"}, "format": {"json"}}
	var payload struct {
		Results []place `json:"results"`
	}
	if err := w.get(ctx, w.geocodeURL+"/v1/search?"+params.Encode(), &payload); err != nil {
		return nil, err
	}
	if len(payload.Results) == 0 {
		return nil, tools.Errorf("location %q not found", location)
	}
	return &payload.Results[0], nil
}

type forecastResponse struct {
	Current struct {
		Time                string  `json:"time"`
		Temperature         float64 `json:"temperature_2m"`
		ApparentTemperature float64 `json:"apparent_temperature"`
		Humidity            float64 `json:"relative_humidity_2m"`
		WindSpeed           float64 `json:"wind_speed_10m"`
		WeatherCode         int     `json:"weather_code"`
	} `json:"current"`
	Daily struct {
		Time          []string  `json:"time"`
		Max           []float64 `json:"temperature_2m_max"`
		Min           []float64 `json:"temperature_2m_min"`
		Precipitation []float64 `json:"precipitation_probability_max"`
		WeatherCode   []int     `json:"weather_code"`
	} `json:"daily"`
}

func (w *weatherClient) forecast(ctx context.Context, p *place, days int, units string) (*forecastResponse, error) {
	params := url.Values{
		"latitude":      {strconv.FormatFloat(p.Latitude, 'f', 4, 64)},
		"longitude":     {strconv.FormatFloat(p.Longitude, 'f', 4, 64)},
		"current":       {"temperature_2m,apparent_temperature,relative_humidity_2m,wind_speed_10m,weather_code"},
		"daily":         {"temperature_2m_max,temperature_2m_min,precipitation_probability_max,weather_code"},
		"timezone":      {"auto"},
		"forecast_days": {strconv.Itoa(days)},
	}
	if units == "imperial" {
		params.Set("temperature_unit", "fahrenheit")
		params.Set("wind_speed_unit", "mph")
	}
	var out forecastResponse
	if err := w.get(ctx, w.forecastURL+"/v1/forecast?"+params.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (w *weatherClient) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("weather request failed: HTTP %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode weather response: %w", err)
	}
	return nil
}

type dailyForecast struct {
	Date          string  `json:"date"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Precipitation float64 `json:"precipitation_chance"`
	Conditions    string  `json:"conditions"`
}

func weatherTool(w *weatherClient) tools.Tool {
	return tools.Tool{
		Name:        "get_weather",
		Description: "Get current conditions and a daily forecast for a city or place name.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"location": {"type": "string", "minLength": 1, "description": "City or place name"},
				"days": {"type": "integer", "minimum": 1, "maximum": 7, "description": "Forecast days (default 3)"},
				"units": {"type": "string", "enum": ["metric", "imperial"]}
			},
			"required": ["location"]
		}`),
		Status: "Checking the weather...",
		Handler: func(ctx context.Context, call tools.Call) (any, error) {
			var args struct {
				Location string `json:"location"`
				Days     int    `json:"days"`
				Units    string `json:"units"`
			}
			if err := call.Bind(&args); err != nil {
				return nil, err
			}
			if args.Days <= 0 {
				args.Days = 3
			}
			if args.Days > maxForecastDays {
				args.Days = maxForecastDays
			}
			if args.Units == "" {
				args.Units = "metric"
			}

			p, err := w.geocode(ctx, strings.TrimSpace(args.Location))
			if err != nil {
				return nil, err
			}
			fc, err := w.forecast(ctx, p, args.Days, args.Units)
			if err != nil {
				return nil, err
			}

			daily := make([]dailyForecast, 0, len(fc.Daily.Time))
			for i, date := range fc.Daily.Time {
				d := dailyForecast{Date: date}
				if i < len(fc.Daily.Max) {
					d.High = fc.Daily.Max[i]
				}
				if i < len(fc.Daily.Min) {
					d.Low = fc.Daily.Min[i]
				}
				if i < len(fc.Daily.Precipitation) {
					d.Precipitation = fc.Daily.Precipitation[i]
				}
				if i < len(fc.Daily.WeatherCode) {
					d.Conditions = describeWeather(fc.Daily.WeatherCode[i])
				}
				daily = append(daily, d)
			}
			return map[string]any{
				"location": p,
				"units":    args.Units,
				"current": map[string]any{
					"time":        fc.Current.Time,
					"temperature": fc.Current.Temperature,
					"feels_like":  fc.Current.ApparentTemperature,
					"humidity":    fc.Current.Humidity,
					"wind_speed":  fc.Current.WindSpeed,
					"conditions":  describeWeather(fc.Current.WeatherCode),
				},
				"daily": daily,
			}, nil
		},
	}
}
