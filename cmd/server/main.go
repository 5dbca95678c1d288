package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/atmx/lending-engine/internal/config"
	"github.com/atmx/lending-engine/internal/lending"
	"github.com/atmx/lending-engine/internal/logging"
)

func main() {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lending-engine",
		Short:         "Collateralized lending engine with health-gated obligations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LENDING_CONFIG"), "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, configPath)
		},
	})
	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newTokenCmd(&configPath))
	return root
}

func serve(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	_, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer closer.Close()

	if err := run(cmd.Context(), cfg); err != nil {
		slog.Error("lending-engine failed", "err", err)
		return err
	}
	return nil
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("migrate: database.url (or DATABASE_URL) is required")
			}
			if _, _, err := logging.Setup(cfg.Log); err != nil {
				return err
			}
			pg, closePool, err := openPostgres(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer closePool()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			slog.Info("schema applied")
			return nil
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with the configured HMAC secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(subject) == "" {
				return errors.New("token: --subject is required")
			}
			auth := lending.NewAuthenticator(authConfig(cfg.Auth))
			tok, err := auth.Issue(subject, scopes, ttl)
			if err != nil {
				return fmt.Errorf("token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (the obligation owner)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant, e.g. --scope admin")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func authConfig(c config.AuthConfig) lending.AuthConfig {
	return lending.AuthConfig{
		Enabled:    c.Enabled,
		HMACSecret: c.HMACSecret,
		Issuer:     c.Issuer,
		Audience:   c.Audience,
		ScopeClaim: c.ScopeClaim,
		ClockSkew:  c.ClockSkew,
	}
}
