package main

import (
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the HTTP API and, when
// routines are enabled, the in-process routine scheduler.
func buildServeCmd(configPath func() string) *cobra.Command {
	var (
		debug   bool
		migrate bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the concierge HTTP API",
		Long: `Start the concierge HTTP API.

The server will:
1. Load and validate configuration
2. Open the database (or in-memory stores when none is configured)
3. Build the configured model providers and the tool registry
4. Serve /v1 chat, tool and routine endpoints plus /healthz and /metrics
5. Tick due routines every routines.tick_interval when routines are enabled

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  concierge serve

  # Apply the schema first, with debug logging
  concierge serve --config /etc/concierge.yaml --migrate --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath(), debug, migrate)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply the database schema before serving")
	return cmd
}

// =============================================================================
// Migration Command
// =============================================================================

func buildMigrateCmd(configPath func() string) *cobra.Command {
	var printOnly bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Long: `Create every table and index the service needs. Statements are idempotent, so
running migrate against an up-to-date database is a no-op.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), configPath(), printOnly)
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the schema statements instead of applying them")
	return cmd
}

// =============================================================================
// Routine Commands
// =============================================================================

func buildRoutinesCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routines",
		Short: "Inspect and run scheduled routines",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "tick",
			Short: "Run every due routine once",
			Long: `Run every enabled routine whose next run is due, then exit. Use this from an
external scheduler instead of the in-process ticker.`,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runRoutinesTick(cmd.Context(), cmd.OutOrStdout(), configPath())
			},
		},
		&cobra.Command{
			Use:   "list <caller-id>",
			Short: "List a caller's routines",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runRoutinesList(cmd.Context(), cmd.OutOrStdout(), configPath(), args[0])
			},
		},
		buildRoutineHistoryCmd(configPath),
	)
	return cmd
}

func buildRoutineHistoryCmd(configPath func() string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <caller-id> <routine-id>",
		Short: "Show recent executions of a routine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoutineHistory(cmd.Context(), cmd.OutOrStdout(), configPath(), args[0], args[1], limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of executions to show")
	return cmd
}

// =============================================================================
// Chat Command
// =============================================================================

func buildChatCmd(configPath func() string) *cobra.Command {
	var (
		caller         string
		conversationID string
		provider       string
		model          string
	)
	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "Send one message and stream the answer to stdout",
		Args:  cobra.MinimumNArgs(1),
		Example: `  concierge chat --caller alice "what's on my calendar tomorrow?"
  concierge chat --provider openai --model gpt-4o "what is 17% of 2400?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), configPath(), chatOptions{
				callerID:       caller,
				conversationID: conversationID,
				provider:       provider,
				model:          model,
				message:        joinArgs(args),
			})
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "cli", "Caller ID whose integrations are used")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Continue an existing conversation")
	cmd.Flags().StringVar(&provider, "provider", "", "Model provider (anthropic or openai)")
	cmd.Flags().StringVar(&model, "model", "", "Model name")
	return cmd
}

// =============================================================================
// Credential Commands
// =============================================================================

func buildCredentialsCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored integration credentials",
		Long: `Credentials are normally written by the account-linking service. These
commands seed or inspect them directly, which is useful in development.`,
	}

	var (
		token        string
		refreshToken string
		expiresIn    time.Duration
		email        string
		metadata     map[string]string
	)
	set := &cobra.Command{
		Use:   "set <caller-id> <provider>",
		Short: "Store a credential for a caller",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCredentialsSet(cmd.Context(), cmd.OutOrStdout(), configPath(), credentialInput{
				callerID:     args[0],
				provider:     args[1],
				token:        token,
				refreshToken: refreshToken,
				expiresIn:    expiresIn,
				email:        email,
				metadata:     metadata,
			})
		},
	}
	set.Flags().StringVar(&token, "token", "", "Access token")
	set.Flags().StringVar(&refreshToken, "refresh-token", "", "Refresh token")
	set.Flags().DurationVar(&expiresIn, "expires-in", 0, "Access token lifetime (0 means it never expires)")
	set.Flags().StringVar(&email, "email", "", "Account email")
	set.Flags().StringToStringVar(&metadata, "meta", nil, "Provider metadata, e.g. --meta base_url=http://ha.local:8123")
	_ = set.MarkFlagRequired("token")

	cmd.AddCommand(
		set,
		&cobra.Command{
			Use:   "list <caller-id>",
			Short: "List a caller's connected integrations",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCredentialsList(cmd.Context(), cmd.OutOrStdout(), configPath(), args[0])
			},
		},
		&cobra.Command{
			Use:   "delete <caller-id> <provider>",
			Short: "Remove a stored credential",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCredentialsDelete(cmd.Context(), cmd.OutOrStdout(), configPath(), args[0], args[1])
			},
		},
	)
	return cmd
}

// =============================================================================
// Token Command
// =============================================================================

func buildTokenCmd(configPath func() string) *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an API bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.OutOrStdout(), configPath(), args[0], email, name)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&name, "name", "", "Name claim")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd.OutOrStdout(), configPath())
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd.OutOrStdout())
			},
		},
	)
	return cmd
}
