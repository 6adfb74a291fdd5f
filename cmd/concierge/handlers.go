package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/concierge/internal/agent"
	"github.com/haasonsaas/concierge/internal/auth"
	"github.com/haasonsaas/concierge/internal/config"
	"github.com/haasonsaas/concierge/internal/gateway"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/ratelimit"
	"github.com/haasonsaas/concierge/internal/routines"
	"github.com/haasonsaas/concierge/internal/storage"
	"github.com/haasonsaas/concierge/pkg/models"
)

// loadConfig loads cfg and installs the configured process logger.
func loadConfig(path string, debug bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		Issuer:      cfg.Auth.Issuer,
		APIKeys:     cfg.Auth.APIKeys,
	}
}

// =============================================================================
// Serve
// =============================================================================

func runServe(ctx context.Context, configPath string, debug, migrate bool) error {
	cfg, logger, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}
	logger.Info("starting concierge",
		"version", version,
		"commit", commit,
		"config", configPath,
		"default_provider", cfg.LLM.DefaultProvider,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	if migrate {
		if a.db == nil {
			logger.Warn("--migrate ignored: no database configured")
		} else if err := a.db.Migrate(ctx); err != nil {
			return err
		}
	}

	authService := auth.NewService(authConfig(cfg))
	if !authService.Enabled() {
		logger.Warn("auth is disabled; callers are identified by the X-Caller-ID header")
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RoutineSecret:   cfg.Server.RoutineTriggerSecret,
	}, a.loop,
		gateway.WithConversations(a.conversations),
		gateway.WithRoutines(a.routines, a.engine),
		gateway.WithAuth(authService),
		gateway.WithLimiter(ratelimit.NewLimiter(cfg.Server.RateLimit)),
		gateway.WithMetrics(a.metrics, a.gatherer),
		gateway.WithLogger(logger.With("component", "gateway")),
	)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	var scheduler *routines.Scheduler
	if cfg.Routines.Enabled {
		scheduler = routines.NewScheduler(a.engine, a.executions,
			routines.WithTickInterval(cfg.Routines.TickInterval),
			routines.WithRetention(cfg.Routines.HistoryRetention),
			routines.WithSchedulerLogger(logger.With("component", "scheduler")),
		)
		scheduler.Start(ctx)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Migrate
// =============================================================================

func runMigrate(ctx context.Context, out io.Writer, configPath string, printOnly bool) error {
	cfg, logger, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	driver := strings.ToLower(cfg.Database.Driver)
	if driver == "" || driver == "memory" {
		return errors.New("migrate requires database.driver to be postgres or sqlite")
	}
	if printOnly {
		for _, stmt := range storage.New(nil, driver).Statements() {
			fmt.Fprintf(out, "%s;\n\n", strings.TrimSpace(stmt))
		}
		return nil
	}

	dbCfg := storage.DefaultConfig()
	dbCfg.Driver = driver
	dbCfg.URL = cfg.Database.URL
	db, err := storage.Open(ctx, dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("schema applied", "driver", driver)
	fmt.Fprintln(out, "schema is up to date")
	return nil
}

// =============================================================================
// Routines
// =============================================================================

func withApp(ctx context.Context, configPath string, fn func(context.Context, *app) error) error {
	cfg, logger, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.Close(closeCtx)
	}()
	return fn(ctx, a)
}

func runRoutinesTick(ctx context.Context, out io.Writer, configPath string) error {
	return withApp(ctx, configPath, func(ctx context.Context, a *app) error {
		report, err := a.engine.Tick(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "due=%d completed=%d failed=%d\n", report.Due, report.Completed, report.Failed)
		for _, run := range report.Runs {
			line := fmt.Sprintf("  %s %s", run.RoutineID, run.Status)
			if run.Error != "" {
				line += ": " + run.Error
			}
			fmt.Fprintln(out, line)
		}
		return nil
	})
}

func runRoutinesList(ctx context.Context, out io.Writer, configPath, callerID string) error {
	return withApp(ctx, configPath, func(ctx context.Context, a *app) error {
		list, err := a.routines.ListRoutines(ctx, callerID)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "no routines")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSCHEDULE\tENABLED\tNEXT RUN\tLAST RUN")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", r.ID, r.Name, scheduleLabel(r), r.Enabled, timeLabel(r.NextRun), timeLabel(r.LastRun))
		}
		return w.Flush()
	})
}

func runRoutineHistory(ctx context.Context, out io.Writer, configPath, callerID, routineID string, limit int) error {
	return withApp(ctx, configPath, func(ctx context.Context, a *app) error {
		execs, err := a.routines.Executions(ctx, callerID, routineID, limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STARTED\tSTATUS\tSTEPS\tERROR")
		for _, e := range execs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", timeLabel(e.StartedAt), e.Status, len(e.Results), e.Error)
		}
		return w.Flush()
	})
}

func scheduleLabel(r *models.Routine) string {
	if r.Timezone == "" {
		return r.Schedule
	}
	return r.Schedule + " (" + r.Timezone + ")"
}

func timeLabel(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// =============================================================================
// Chat
// =============================================================================

type chatOptions struct {
	callerID       string
	conversationID string
	provider       string
	model          string
	message        string
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runChat(ctx context.Context, out, errOut io.Writer, configPath string, opts chatOptions) error {
	return withApp(ctx, configPath, func(ctx context.Context, a *app) error {
		conversationID := opts.conversationID
		var history []models.ChatMessage
		if conversationID == "" {
			conversationID = fmt.Sprintf("cli-%d", time.Now().UnixNano())
		} else {
			h, err := a.conversations.History(ctx, conversationID, 40)
			if err != nil {
				return err
			}
			history = h
		}

		events, err := a.loop.Run(ctx, &agent.Turn{
			CallerID:       opts.callerID,
			ConversationID: conversationID,
			Provider:       opts.provider,
			Model:          opts.model,
			History:        history,
			Message:        models.ChatMessage{Role: models.RoleUser, Content: opts.message},
		})
		if err != nil {
			return err
		}
		for ev := range events {
			switch ev.Type {
			case agent.EventStatus:
				fmt.Fprintf(errOut, "… %s\n", ev.Status)
			case agent.EventText:
				fmt.Fprint(out, ev.Text)
			case agent.EventDone:
				fmt.Fprintln(out)
				fmt.Fprintf(errOut, "conversation %s: %d rounds, %d in / %d out tokens\n",
					conversationID, ev.Rounds, ev.Usage.InputTokens, ev.Usage.OutputTokens)
			case agent.EventError:
				return ev.Err
			}
		}
		return nil
	})
}

// =============================================================================
// Credentials
// =============================================================================

type credentialInput struct {
	callerID     string
	provider     string
	token        string
	refreshToken string
	expiresIn    time.Duration
	email        string
	metadata     map[string]string
}

func runCredentialsSet(ctx context.Context, out io.Writer, configPath string, in credentialInput) error {
	provider := models.Provider(strings.ToLower(in.provider))
	if !provider.Valid() {
		return fmt.Errorf("unknown provider %q", in.provider)
	}
	return withApp(ctx, configPath, func(ctx context.Context, a *app) error {
		cred := &models.Credential{
			CallerID:     in.callerID,
			Provider:     provider,
			AccessToken:  in.token,
			RefreshToken: in.refreshToken,
			Email:        in.email,
			Metadata:     in.metadata,
			UpdatedAt:    time.Now().UTC(),
		}
		if in.expiresIn > 0 {
			cred.ExpiresAt = time.Now().Add(in.expiresIn).UTC()
		}
		if err := a.credentials.Put(ctx, cred); err != nil {
			return err
		}
		fmt.Fprintf(out, "stored %s credential for %s\n", provider, in.callerID)
		return nil
	})
}

func runCredentialsList(ctx context.Context, out io.Writer, configPath, callerID string) error {
	return withApp(ctx, configPath, func(ctx context.Context, a *app) error {
		connected, err := a.resolver.Resolve(ctx, callerID)
		if err != nil {
			return err
		}
		if len(connected) == 0 {
			fmt.Fprintln(out, "no connected integrations")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROVIDER\tEMAIL\tTOOLS")
		for _, c := range connected {
			fmt.Fprintf(w, "%s\t%s\t%d\n", c.Provider, c.Email, countGated(a, c.Provider))
		}
		return w.Flush()
	})
}

func countGated(a *app, provider models.Provider) int {
	all := a.registry.Definitions(nil)
	with := a.registry.Definitions([]models.ConnectedIntegration{{Provider: provider}})
	return len(with) - len(all)
}

func runCredentialsDelete(ctx context.Context, out io.Writer, configPath, callerID, provider string) error {
	return withApp(ctx, configPath, func(ctx context.Context, a *app) error {
		if err := a.credentials.Delete(ctx, callerID, models.Provider(strings.ToLower(provider))); err != nil {
			return err
		}
		fmt.Fprintf(out, "deleted %s credential for %s\n", provider, callerID)
		return nil
	})
}

// =============================================================================
// Token
// =============================================================================

func runToken(out io.Writer, configPath, userID, email, name string) error {
	cfg, _, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	token, err := auth.NewService(authConfig(cfg)).GenerateJWT(&models.User{ID: userID, Email: email, Name: name})
	if err != nil {
		if errors.Is(err, auth.ErrAuthDisabled) {
			return errors.New("auth.jwt_secret is not configured")
		}
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// =============================================================================
// Config
// =============================================================================

func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is valid (providers: %d, database: %s, routines enabled: %t)\n",
		configPath, len(cfg.LLM.Providers), databaseLabel(cfg), cfg.Routines.Enabled)
	return nil
}

func databaseLabel(cfg *config.Config) string {
	if cfg.Database.Driver == "" {
		return "memory"
	}
	return cfg.Database.Driver
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	var pretty map[string]any
	if err := json.Unmarshal(schema, &pretty); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
