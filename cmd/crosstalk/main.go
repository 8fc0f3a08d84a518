// Package main provides the CLI entry point for the crosstalk realtime
// gateway.
//
// Crosstalk is the coordination layer for a chat application: it owns
// the websocket endpoint, tracks which user is behind which connection,
// fans chat events out to the right rooms, and relays call signaling
// between peers.
//
// # Basic Usage
//
// Start the gateway:
//
//	crosstalk serve --config crosstalk.yaml
//
// Configuration can also be provided via environment variables expanded
// inside the YAML file (e.g. ${CROSSTALK_PORT}).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/crosstalkhq/crosstalk/internal/config"
	"github.com/crosstalkhq/crosstalk/internal/gateway"
	"github.com/crosstalkhq/crosstalk/internal/observability"
	"github.com/crosstalkhq/crosstalk/internal/registry"
)

// Build information - populated by ldflags during build.
//
// Example build command:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"     // Semantic version (e.g., "v1.0.0")
	commit  = "none"    // Git commit SHA
	date    = "unknown" // Build timestamp
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crosstalk",
		Short: "Crosstalk - realtime chat coordination gateway",
		Long: `Crosstalk relays chat events and call signaling between connected clients.

It exposes a websocket endpoint for clients, a Prometheus metrics
endpoint, and a health check. Message persistence, authentication, and
media relay are external concerns; crosstalk only coordinates delivery.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		// SilenceUsage prevents printing usage on every error.
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			slog.SetDefault(logger)

			metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
			reg := registry.New(logger)
			srv := gateway.New(cfg, reg, metrics, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if configPath != "" {
				go config.Watch(ctx, configPath, logger, func(next *config.Config) {
					srv.UpdateConfig(next)
				})
			}

			logger.Info("starting crosstalk gateway",
				"version", version,
				"host", cfg.Server.Host,
				"port", cfg.Server.Port,
			)
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
