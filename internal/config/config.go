package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/auth"
	"github.com/haasonsaas/concierge/internal/ratelimit"
)

// CurrentVersion is the latest supported configuration file version.
const CurrentVersion = 1

// Config is the root configuration for the concierge service.
type Config struct {
	Version      int                `yaml:"version"`
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	LLM          LLMConfig          `yaml:"llm"`
	Routines     RoutinesConfig     `yaml:"routines"`
	Integrations IntegrationsConfig `yaml:"integrations"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Tools        ToolsConfig        `yaml:"tools"`
	Memory       MemoryConfig       `yaml:"memory"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"http_port"`

	// RoutineTriggerSecret guards POST /internal/routines/tick.
	RoutineTriggerSecret string `yaml:"routine_trigger_secret"`

	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	RateLimit       ratelimit.Config `yaml:"rate_limit"`
}

type DatabaseConfig struct {
	// Driver is postgres or sqlite. Empty keeps all state in memory.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	JWTSecret   string              `yaml:"jwt_secret"`
	TokenExpiry time.Duration       `yaml:"token_expiry"`
	Issuer      string              `yaml:"issuer"`
	APIKeys     []auth.APIKeyConfig `yaml:"api_keys"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	MaxTokens       int                          `yaml:"max_tokens"`
	Temperature     float64                      `yaml:"temperature"`

	// MaxRounds bounds non-streaming tool-calling rounds per turn.
	MaxRounds    int    `yaml:"max_rounds"`
	SystemPrompt string `yaml:"system_prompt"`

	// TitleModel overrides routines.model for background conversation titles,
	// which use the low-cost routines provider.
	TitleModel string `yaml:"title_model"`
}

type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type RoutinesConfig struct {
	Enabled bool `yaml:"enabled"`

	// Provider and Model are the fixed low-cost choice used for every routine.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	Workers          int           `yaml:"workers"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

type IntegrationsConfig struct {
	Google   OAuthClientConfig `yaml:"google"`
	Spotify  OAuthClientConfig `yaml:"spotify"`
	Notion   OAuthClientConfig `yaml:"notion"`
	Slack    OAuthClientConfig `yaml:"slack"`
	Discord  OAuthClientConfig `yaml:"discord"`
	Telegram APIConfig         `yaml:"telegram"`
	Twilio   APIConfig         `yaml:"twilio"`
}

// OAuthClientConfig holds the OAuth client used to refresh tokens and the
// API base URL tools call with them. Home Assistant and Twilio instance
// details live in each caller's credential metadata instead.
type OAuthClientConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	APIBaseURL   string `yaml:"api_base_url"`
}

type APIConfig struct {
	APIBaseURL string `yaml:"api_base_url"`
}

type CredentialsConfig struct {
	// EncryptionKey seeds the key used to encrypt stored tokens at rest.
	EncryptionKey string `yaml:"encryption_key"`

	// RefreshBuffer is how close to expiry a token is refreshed.
	RefreshBuffer time.Duration `yaml:"refresh_buffer"`
}

type ToolsConfig struct {
	WebSearch WebSearchConfig `yaml:"websearch"`
	Weather   WeatherConfig   `yaml:"weather"`
	ImageGen  ImageGenConfig  `yaml:"imagegen"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Timeout   time.Duration   `yaml:"timeout"`

	// DailyLimits caps metered tools per caller per UTC day.
	DailyLimits map[string]int `yaml:"daily_limits"`
}

type WebSearchConfig struct {
	// Provider is brave or searxng.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	URL      string `yaml:"url"`
}

type WeatherConfig struct {
	GeocodingURL string `yaml:"geocoding_url"`
	ForecastURL  string `yaml:"forecast_url"`
}

type ImageGenConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Size    string `yaml:"size"`
}

type FetchConfig struct {
	MaxChars     int   `yaml:"max_chars"`
	AllowPrivate bool  `yaml:"allow_private"`
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type MemoryConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	TopK    int           `yaml:"top_k"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Issues) == 0 {
		return "config validation failed"
	}
	return "config validation failed: " + strings.Join(e.Issues, "; ")
}

// Load reads, merges, decodes and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.Version > CurrentVersion {
		return nil, fmt.Errorf("config version %d is newer than this build (current: %d)", cfg.Version, CurrentVersion)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.RateLimit.RequestsPerSecond == 0 && cfg.Server.RateLimit.BurstSize == 0 {
		enabled := cfg.Server.RateLimit.Enabled
		cfg.Server.RateLimit = ratelimit.DefaultConfig()
		cfg.Server.RateLimit.Enabled = enabled
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.MaxRounds == 0 {
		cfg.LLM.MaxRounds = 3
	}
	if cfg.Routines.Provider == "" {
		cfg.Routines.Provider = "openai"
	}
	if cfg.Routines.Model == "" {
		cfg.Routines.Model = "gpt-4o-mini"
	}
	if cfg.Routines.Workers == 0 {
		cfg.Routines.Workers = 4
	}
	if cfg.Routines.TickInterval == 0 {
		cfg.Routines.TickInterval = time.Minute
	}
	if cfg.Routines.ExecutionTimeout == 0 {
		cfg.Routines.ExecutionTimeout = 5 * time.Minute
	}
	if cfg.Routines.HistoryRetention == 0 {
		cfg.Routines.HistoryRetention = 30 * 24 * time.Hour
	}
	if cfg.Credentials.RefreshBuffer == 0 {
		cfg.Credentials.RefreshBuffer = 5 * time.Minute
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Tools.WebSearch.Provider == "" {
		cfg.Tools.WebSearch.Provider = "brave"
	}
	if cfg.Tools.ImageGen.Model == "" {
		cfg.Tools.ImageGen.Model = "dall-e-3"
	}
	if cfg.Tools.ImageGen.Size == "" {
		cfg.Tools.ImageGen.Size = "1024x1024"
	}
	if cfg.Tools.Fetch.MaxChars == 0 {
		cfg.Tools.Fetch.MaxChars = 20000
	}
	if cfg.Tools.Fetch.MaxBodyBytes == 0 {
		cfg.Tools.Fetch.MaxBodyBytes = 2 << 20
	}
	if cfg.Tools.DailyLimits == nil {
		cfg.Tools.DailyLimits = map[string]int{}
	}
	if _, ok := cfg.Tools.DailyLimits["generate_image"]; !ok {
		cfg.Tools.DailyLimits["generate_image"] = 10
	}
	if _, ok := cfg.Tools.DailyLimits["twilio_make_call"]; !ok {
		cfg.Tools.DailyLimits["twilio_make_call"] = 5
	}
	if cfg.Memory.TopK == 0 {
		cfg.Memory.TopK = 5
	}
	if cfg.Memory.Timeout == 0 {
		cfg.Memory.Timeout = 3 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "concierge"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (cfg *Config) Validate() error {
	var issues []string

	switch strings.ToLower(cfg.Database.Driver) {
	case "", "memory":
	case "postgres", "sqlite":
		if strings.TrimSpace(cfg.Database.URL) == "" {
			issues = append(issues, "database.url is required when database.driver is set")
		}
	default:
		issues = append(issues, fmt.Sprintf("database.driver %q must be postgres, sqlite, or memory", cfg.Database.Driver))
	}

	if len(cfg.LLM.Providers) > 0 {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q is not configured under llm.providers", cfg.LLM.DefaultProvider))
		}
		if cfg.Routines.Enabled {
			if _, ok := cfg.LLM.Providers[cfg.Routines.Provider]; !ok {
				issues = append(issues, fmt.Sprintf("routines.provider %q is not configured under llm.providers", cfg.Routines.Provider))
			}
		}
	}
	for name := range cfg.LLM.Providers {
		switch name {
		case "anthropic", "openai":
		default:
			issues = append(issues, fmt.Sprintf("llm.providers.%s is not a supported provider", name))
		}
	}
	if cfg.LLM.MaxRounds < 1 {
		issues = append(issues, "llm.max_rounds must be at least 1")
	}
	if cfg.Routines.Workers < 1 {
		issues = append(issues, "routines.workers must be at least 1")
	}

	switch cfg.Tools.WebSearch.Provider {
	case "brave", "searxng":
	default:
		issues = append(issues, fmt.Sprintf("tools.websearch.provider %q must be brave or searxng", cfg.Tools.WebSearch.Provider))
	}
	for name, limit := range cfg.Tools.DailyLimits {
		if limit < 0 {
			issues = append(issues, fmt.Sprintf("tools.daily_limits.%s must not be negative", name))
		}
	}

	if key := cfg.Credentials.EncryptionKey; key != "" && len(key) < 16 {
		issues = append(issues, "credentials.encryption_key must be at least 16 characters")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format %q must be json or text", cfg.Logging.Format))
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
