package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bissquit/followup/internal/app"
	"github.com/bissquit/followup/internal/auth"
	"github.com/bissquit/followup/internal/config"
	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/pkg/postgres"
	"github.com/bissquit/followup/internal/version"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "followup",
		Short:         "Follow-up reminders for mail threads and meetings",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to the YAML config file (default ./"+config.DefaultPath+" when present)")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newServeCmd(load),
		newEnrichCmd(load),
		newDispatchCmd(load),
		newMigrateCmd(load),
		newTokenCmd(load),
		newVersionCmd(),
	)
	return root
}

type configLoader func() (*config.Config, error)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the metrics endpoint and the reminder worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			application, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = application.Close() }()

			return application.Run(cmd.Context())
		},
	}
}

func newEnrichCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Apply queued signals to reminders once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := newOneShotApp(load)
			if err != nil {
				return err
			}
			defer func() { _ = application.Close() }()

			result, err := application.Service().RunEnrich(cmd.Context())
			if err != nil {
				return fmt.Errorf("enrich: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newDispatchCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver due reminders once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := newOneShotApp(load)
			if err != nil {
				return err
			}
			defer func() { _ = application.Close() }()

			result, err := application.Service().RunDispatch(cmd.Context())
			if err != nil {
				return fmt.Errorf("dispatch: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

// newOneShotApp builds the application without the background worker.
func newOneShotApp(load configLoader) (*app.App, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	cfg.Reminders.Worker.Enabled = false
	return app.New(cfg)
}

func newMigrateCmd(load configLoader) *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
		Long: `Manage the Postgres schema.

The SQLite store migrates itself when it is opened.`,
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := postgresURL(load)
			if err != nil {
				return err
			}
			v, err := postgres.Migrate(url)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", v)
			return nil
		},
	}

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 1 {
				return errors.New("--steps must be at least 1")
			}
			url, err := postgresURL(load)
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(url, steps); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reverted %d migration(s)\n", steps)
			return nil
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert")

	migrateCmd.AddCommand(upCmd, downCmd)
	return migrateCmd
}

func postgresURL(load configLoader) (string, error) {
	cfg, err := load()
	if err != nil {
		return "", err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return "", fmt.Errorf("migrations apply to the postgres driver, configured driver is %q", cfg.Database.Driver)
	}
	return cfg.Database.URL, nil
}

func newTokenCmd(load configLoader) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API bearer token",
		Long: `Mint an API bearer token signed with the configured secret.

Examples:
  followup token --subject cron --role operator
  followup token --subject dashboard --role viewer --ttl 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			authenticator := auth.NewAuthenticator(auth.Config{
				SecretKey:     cfg.Auth.SecretKey,
				Issuer:        cfg.Auth.Issuer,
				TokenDuration: cfg.Auth.TokenDuration,
			})
			token, expiresAt, err := authenticator.Mint(subject, domain.Role(role), ttl)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"token":      token,
				"subject":    subject,
				"role":       role,
				"expires_at": expiresAt.UTC().Format(time.RFC3339),
			})
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleViewer), "viewer, operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_duration)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "followup %s (commit %s, built %s)\n",
				version.Version, version.GitCommit, version.BuildDate)
			return err
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
