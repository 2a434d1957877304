/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/friendsincode/nmstereo/internal/db"
	"github.com/friendsincode/nmstereo/internal/decoder"
	"github.com/friendsincode/nmstereo/internal/playlist"
)

var decodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Run the request decoder",
	Long:  "Consume raw requests, resolve the track links they contain and hand each track to the broadcaster.",
	RunE:  runDecode,
}

func init() {
	rootCmd.AddCommand(decodeCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	shutdownTracer, err := initTracer(ctx, "decoder")
	if err != nil {
		return err
	}
	defer shutdownTracer()

	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)
	store := playlist.NewGormStore(database)

	bus, closeBus, err := newEventBus(nodeID())
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer closeBus()

	res, closeCache := newResolver()
	defer closeCache()

	session, err := openSession(ctx, natsTransport())
	if err != nil {
		return err
	}
	defer session.Close()

	if err := decoder.New(store, res, session, bus, logger).Start(ctx); err != nil {
		return fmt.Errorf("start decoder: %w", err)
	}
	logger.Info().Msg("decoder running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("decoder stopped")
		return nil
	case <-session.Done():
		logger.Warn().Msg("broker closed the connection, decoder stopping")
		return nil
	}
}
