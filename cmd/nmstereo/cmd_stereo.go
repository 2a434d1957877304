/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/nmstereo/internal/stereo"
)

var stereoDryRun bool

var stereoCmd = &cobra.Command{
	Use:   "stereo",
	Short: "Run a stereo client",
	Long: `Subscribe to the broadcast channel, play every announced track with the
configured player command and confirm playback to the broadcaster.`,
	RunE: runStereo,
}

func init() {
	stereoCmd.Flags().BoolVar(&stereoDryRun, "dry-run", false, "Log tracks instead of playing them")
	rootCmd.AddCommand(stereoCmd)
}

func runStereo(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	shutdownTracer, err := initTracer(ctx, "stereo")
	if err != nil {
		return err
	}
	defer shutdownTracer()

	player, err := newPlayer(stereoDryRun)
	if err != nil {
		return err
	}

	session, err := openSession(ctx, natsTransport())
	if err != nil {
		return err
	}
	defer session.Close()

	if err := stereo.NewClient(session, player, logger).Start(ctx); err != nil {
		return fmt.Errorf("start stereo: %w", err)
	}
	logger.Info().Bool("dry_run", stereoDryRun).Msg("stereo listening")

	select {
	case <-ctx.Done():
		logger.Info().Msg("stereo stopped")
	case <-session.Done():
		logger.Warn().Msg("broker closed the connection, stereo stopping")
	}
	return nil
}
