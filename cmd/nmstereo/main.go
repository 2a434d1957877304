/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/config"
	"github.com/friendsincode/nmstereo/internal/db"
	"github.com/friendsincode/nmstereo/internal/logging"
	"github.com/friendsincode/nmstereo/internal/telemetry"
	"github.com/friendsincode/nmstereo/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "nmstereo",
	Short: "nmstereo - collaborative office stereo",
	Long: `nmstereo turns free-text track requests into a shared play queue.

The decoder resolves requests into tracks, the broadcaster plays them one at a
time, and every stereo client plays what the broadcaster announces.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// initTracer starts tracing for one process role and returns its shutdown.
func initTracer(ctx context.Context, role string) (func(), error) {
	tp, err := telemetry.InitTracer(ctx, telemetry.TracerConfigFor(
		role, version.Version, cfg.TracingEnabled, cfg.OTLPEndpoint, cfg.TracingSampleRate,
	), logger)
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("failed to shutdown tracer provider")
		}
	}, nil
}

// initDatabase connects to the configured store.
func initDatabase() (*gorm.DB, error) {
	database, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return database, nil
}

// natsTransport builds the JetStream transport from configuration.
func natsTransport() *broker.NATSTransport {
	natsCfg := broker.DefaultNATSConfig()
	natsCfg.URL = cfg.NATSURL
	natsCfg.Token = cfg.NATSToken
	natsCfg.Name = cfg.NATSName
	return broker.NewNATSTransport(natsCfg, logger)
}

// openSession connects a session over transport and declares the topology.
func openSession(ctx context.Context, transport broker.Transport) (*broker.Session, error) {
	session := broker.NewSession(transport, broker.NewTopology(cfg), logger)
	if err := session.Open(ctx); err != nil {
		return nil, err
	}
	return session, nil
}
