package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/internal/agent/providers"
	"github.com/haasonsaas/concierge/internal/config"
	"github.com/haasonsaas/concierge/internal/credentials"
	"github.com/haasonsaas/concierge/internal/memory"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/ratelimit"
	"github.com/haasonsaas/concierge/internal/routines"
	"github.com/haasonsaas/concierge/internal/storage"
	"github.com/haasonsaas/concierge/internal/tools"
	"github.com/haasonsaas/concierge/internal/tools/builtin"
	"github.com/haasonsaas/concierge/internal/tools/discord"
	"github.com/haasonsaas/concierge/internal/tools/google"
	"github.com/haasonsaas/concierge/internal/tools/homeassistant"
	"github.com/haasonsaas/concierge/internal/tools/notion"
	"github.com/haasonsaas/concierge/internal/tools/slack"
	"github.com/haasonsaas/concierge/internal/tools/spotify"
	"github.com/haasonsaas/concierge/internal/tools/telegram"
	"github.com/haasonsaas/concierge/internal/tools/twilio"
	"github.com/haasonsaas/concierge/internal/tools/web"
	"github.com/haasonsaas/concierge/pkg/models"
)

// app holds every long-lived component of a running process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	tracer   *observability.Tracer

	db            *storage.DB
	credentials   credentials.Store
	resolver      *credentials.Resolver
	conversations storage.ConversationStore
	routineStore  routines.Store
	executions    routines.ExecutionStore
	daily         ratelimit.DailyStore

	providers map[string]agent.Provider
	registry  *tools.Registry
	loop      *agent.Loop
	routines  *routines.Service
	engine    *routines.Engine

	httpClient *http.Client
	closers    []func(context.Context) error
}

// newApp wires the service from cfg. Close releases what it opened.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:        cfg,
		logger:     logger,
		httpClient: &http.Client{Timeout: cfg.Tools.Timeout},
	}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(reg)
	a.gatherer = reg

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	a.tracer = tracer
	a.closers = append(a.closers, shutdownTracer)

	if err := a.openStorage(ctx); err != nil {
		return err
	}
	if err := a.buildResolver(); err != nil {
		return err
	}
	if err := a.buildProviders(); err != nil {
		return err
	}
	if err := a.buildTools(); err != nil {
		return err
	}
	if err := a.buildLoop(); err != nil {
		return err
	}
	return a.buildEngine()
}

func (a *app) openStorage(ctx context.Context) error {
	driver := strings.ToLower(a.cfg.Database.Driver)
	if driver == "" || driver == "memory" {
		a.logger.Warn("no database configured; state is kept in memory and lost on restart")
		a.credentials = credentials.NewMemoryStore()
		a.conversations = storage.NewMemoryConversationStore()
		a.routineStore = routines.NewMemoryStore()
		a.executions = routines.NewMemoryExecutionStore()
		a.daily = ratelimit.NewMemoryDailyStore()
		return nil
	}

	if a.cfg.Credentials.EncryptionKey == "" {
		return errors.New("credentials.encryption_key is required when a database is configured")
	}
	cipher, err := credentials.NewCipher(a.cfg.Credentials.EncryptionKey)
	if err != nil {
		return err
	}

	dbCfg := storage.DefaultConfig()
	dbCfg.Driver = driver
	dbCfg.URL = a.cfg.Database.URL
	dbCfg.MaxOpenConns = a.cfg.Database.MaxConnections
	dbCfg.ConnMaxLifetime = a.cfg.Database.ConnMaxLifetime
	db, err := storage.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	a.db = db
	a.closers = append(a.closers, func(context.Context) error { return db.Close() })

	a.credentials = storage.NewCredentialStore(db, cipher)
	a.conversations = storage.NewConversationStore(db)
	a.routineStore = storage.NewRoutineStore(db)
	a.executions = storage.NewExecutionStore(db)
	a.daily = storage.NewDailyUsageStore(db)
	return nil
}

func (a *app) buildResolver() error {
	in := a.cfg.Integrations
	clients := map[models.Provider]credentials.OAuthClient{}
	for provider, c := range map[models.Provider]config.OAuthClientConfig{
		models.ProviderGoogle:  in.Google,
		models.ProviderSpotify: in.Spotify,
		models.ProviderSlack:   in.Slack,
		models.ProviderDiscord: in.Discord,
	} {
		if c.ClientID == "" {
			continue
		}
		clients[provider] = credentials.OAuthClient{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
		}
	}
	refresher, err := credentials.NewOAuthRefresher(clients, a.httpClient)
	if err != nil {
		return fmt.Errorf("oauth refresher: %w", err)
	}
	a.resolver = credentials.NewResolver(a.credentials, refresher,
		credentials.WithBuffer(a.cfg.Credentials.RefreshBuffer),
		credentials.WithLogger(a.logger.With("component", "credentials")),
		credentials.WithMetrics(a.metrics),
	)
	return nil
}

func (a *app) buildProviders() error {
	if len(a.cfg.LLM.Providers) == 0 {
		return errors.New("no llm providers configured")
	}
	configs := make(map[string]providers.Config, len(a.cfg.LLM.Providers))
	for name, p := range a.cfg.LLM.Providers {
		configs[name] = providers.Config{
			APIKey:       p.APIKey,
			BaseURL:      p.BaseURL,
			DefaultModel: p.DefaultModel,
		}
	}
	built, err := providers.NewAll(configs)
	if err != nil {
		return err
	}
	a.providers = built
	return nil
}

// routineProvider is the fixed low-cost provider and model used for
// routine summaries, translation and page summaries. It falls back to the
// default provider's own default model.
func (a *app) routineProvider() (agent.Provider, string) {
	if p, ok := a.providers[a.cfg.Routines.Provider]; ok {
		return p, a.cfg.Routines.Model
	}
	return a.providers[a.cfg.LLM.DefaultProvider], ""
}

func (a *app) hasTool(name string) bool {
	return slices.Contains(a.registry.Names(), name)
}

func (a *app) buildTools() error {
	cfg := a.cfg
	a.registry = tools.NewRegistry(
		tools.WithLogger(a.logger.With("component", "tools")),
		tools.WithMetrics(a.metrics),
		tools.WithTracer(a.tracer),
		tools.WithTimeout(cfg.Tools.Timeout),
		tools.WithDailyLimits(ratelimit.NewDailyMeter(a.daily), cfg.Tools.DailyLimits),
	)
	a.routines = routines.NewService(a.routineStore, a.executions, routines.WithToolCheck(a.hasTool))

	cheap, cheapModel := a.routineProvider()

	searcher, err := web.NewSearcher(web.SearchConfig{
		Backend:    cfg.Tools.WebSearch.Provider,
		APIKey:     cfg.Tools.WebSearch.APIKey,
		URL:        cfg.Tools.WebSearch.URL,
		HTTPClient: a.httpClient,
	})
	if err != nil {
		return err
	}
	fetcher := web.NewFetcher(web.FetchConfig{
		MaxChars:     cfg.Tools.Fetch.MaxChars,
		MaxBodyBytes: cfg.Tools.Fetch.MaxBodyBytes,
		AllowPrivate: cfg.Tools.Fetch.AllowPrivate,
		Timeout:      cfg.Tools.Timeout,
	})

	in := cfg.Integrations
	sets := [][]tools.Tool{
		builtin.Tools(builtin.Config{
			Completer:          cheap,
			Model:              cheapModel,
			Images:             a.imageClient(),
			ImageModel:         cfg.Tools.ImageGen.Model,
			ImageSize:          cfg.Tools.ImageGen.Size,
			Routines:           a.routines,
			WeatherGeocodeURL:  cfg.Tools.Weather.GeocodingURL,
			WeatherForecastURL: cfg.Tools.Weather.ForecastURL,
			HTTPClient:         a.httpClient,
		}),
		web.Tools(searcher, fetcher, cheap, cheapModel),
		google.Tools(googleConfig(in.Google.APIBaseURL, a.httpClient)),
		spotify.Tools(in.Spotify.APIBaseURL, a.httpClient),
		notion.Tools(in.Notion.APIBaseURL, a.httpClient),
		slack.Tools(slack.Config{APIURL: in.Slack.APIBaseURL, HTTPClient: a.httpClient}),
		discord.Tools(),
		telegram.Tools(telegram.NewOpener(in.Telegram.APIBaseURL)),
		twilio.Tools(in.Twilio.APIBaseURL, a.httpClient),
		homeassistant.Tools(a.httpClient),
	}
	for _, set := range sets {
		if err := a.registry.Register(set...); err != nil {
			return err
		}
	}
	a.logger.Info("tools registered", "count", len(a.registry.Names()))
	return nil
}

// imageClient returns an OpenAI images client, reusing the OpenAI chat key
// when no dedicated key is configured. Nil leaves generate_image out.
func (a *app) imageClient() builtin.ImageGenerator {
	key := a.cfg.Tools.ImageGen.APIKey
	baseURL := a.cfg.Tools.ImageGen.BaseURL
	if key == "" {
		p, ok := a.cfg.LLM.Providers[providers.OpenAI]
		if !ok || p.APIKey == "" {
			return nil
		}
		key = p.APIKey
		if baseURL == "" {
			baseURL = p.BaseURL
		}
	}
	clientCfg := openai.DefaultConfig(key)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	return openai.NewClientWithConfig(clientCfg)
}

// googleConfig points every Google API at base when it is set, as a proxy or
// test server would be.
func googleConfig(base string, hc *http.Client) google.Config {
	cfg := google.Config{HTTPClient: hc}
	if base = strings.TrimRight(base, "/"); base != "" {
		cfg.CalendarURL = base + "/calendar/v3"
		cfg.GmailURL = base + "/gmail/v1"
		cfg.DriveURL = base + "/drive/v3"
	}
	return cfg
}

func (a *app) buildLoop() error {
	cfg := a.cfg
	cheap, cheapModel := a.routineProvider()
	titleModel := cfg.LLM.TitleModel
	if titleModel == "" {
		titleModel = cheapModel
	}
	opts := []agent.Option{
		agent.WithLogger(a.logger.With("component", "agent")),
		agent.WithMetrics(a.metrics),
		agent.WithTracer(a.tracer),
		agent.WithResolver(a.resolver),
		agent.WithRecorder(a.conversations),
		agent.WithTitles(a.conversations, cheap, titleModel),
		agent.WithMaxRounds(cfg.LLM.MaxRounds),
		agent.WithGeneration(cfg.LLM.MaxTokens, cfg.LLM.Temperature),
	}
	if cfg.LLM.SystemPrompt != "" {
		opts = append(opts, agent.WithSystemPrompt(cfg.LLM.SystemPrompt))
	}
	if cfg.Memory.URL != "" {
		recaller, err := memory.NewHTTPRecaller(memory.Config{
			URL:     cfg.Memory.URL,
			APIKey:  cfg.Memory.APIKey,
			Timeout: cfg.Memory.Timeout,
			Logger:  a.logger.With("component", "memory"),
		})
		if err != nil {
			return err
		}
		opts = append(opts, agent.WithRecaller(recaller, cfg.Memory.TopK))
	}

	loop, err := agent.NewLoop(a.providers, cfg.LLM.DefaultProvider, a.registry, opts...)
	if err != nil {
		return err
	}
	a.loop = loop
	return nil
}

func (a *app) buildEngine() error {
	cfg := a.cfg
	opts := []routines.EngineOption{
		routines.WithWorkers(cfg.Routines.Workers),
		routines.WithRunTimeout(cfg.Routines.ExecutionTimeout),
		routines.WithLogger(a.logger.With("component", "routines")),
		routines.WithMetrics(a.metrics),
		routines.WithTracer(a.tracer),
	}
	if cheap, model := a.routineProvider(); cheap != nil {
		opts = append(opts, routines.WithSummarizer(cheap, model))
	}
	engine, err := routines.NewEngine(a.routineStore, a.executions, a.registry, a.resolver, opts...)
	if err != nil {
		return err
	}
	a.engine = engine
	return nil
}

// Close stops background titling, waits for it, and releases resources in
// reverse order of acquisition.
func (a *app) Close(ctx context.Context) error {
	if a.loop != nil {
		a.loop.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
