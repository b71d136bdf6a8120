// Package main is the CLI entry point for the larkgate agent gateway.
//
// larkgate connects Feishu/Lark chat apps to an AI agent backend: inbound
// messages are deduplicated, policy-checked, and tracked as durable
// in-flight tasks; status is mirrored onto the originating message as
// emoji reactions; agent follow-ups flow back through debounced announce
// queues.
//
// # Basic Usage
//
// Start the gateway:
//
//	larkgate run --config ~/.larkgate/config.yaml
//
// Validate a config file without starting:
//
//	larkgate config validate --config ./config.yaml
//
// # Environment Variables
//
// Configuration values support ${VAR} expansion, conventionally:
//
//   - FEISHU_APP_ID / FEISHU_APP_SECRET: app credentials
//   - ANTHROPIC_API_KEY: agent backend API key
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peregrinehq/larkgate/internal/config"
	"github.com/peregrinehq/larkgate/internal/gateway"
	"github.com/peregrinehq/larkgate/internal/observability"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "larkgate",
		Short: "larkgate - Feishu agent gateway",
		Long: `larkgate bridges Feishu/Lark chats to an AI agent backend.

Inbound messages become durable in-flight tasks with emoji status
reactions on the originating message; agent follow-ups are delivered
through debounced announce queues. State survives restarts: orphaned
tasks are reported and resumable with a "continue" reply.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildVersionCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the larkgate gateway",
		Long: `Start the gateway with all configured accounts.

The gateway will:
1. Load configuration from the specified file
2. Reconcile tasks orphaned by the previous shutdown
3. Expose /healthz and /metrics on the HTTP listener (unless disabled)
4. Connect one event websocket per account and serve messages

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  larkgate run

  # Start with custom config
  larkgate run --config /etc/larkgate/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging (verbose output)")
	return cmd
}

// runGateway loads configuration, starts the server, and blocks until a
// shutdown signal or a fatal startup error.
func runGateway(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	logger.Info("starting larkgate",
		"version", version,
		"commit", commit,
		"config", configPath,
		"accounts", len(cfg.Accounts),
		"provider", cfg.Agent.Provider,
	)

	server, err := gateway.NewServer(gateway.Options{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("larkgate stopped")
	return nil
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "larkgate %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: OK (%d account(s))\n", configPath, len(cfg.Accounts))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultConfigPath(),
		"Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		Long:  "Print a JSON schema for config.yaml, for editor completion and CI validation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}
