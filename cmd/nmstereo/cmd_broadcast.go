/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/friendsincode/nmstereo/internal/audit"
	"github.com/friendsincode/nmstereo/internal/broadcaster"
	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/db"
	"github.com/friendsincode/nmstereo/internal/decoder"
	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/leadership"
	"github.com/friendsincode/nmstereo/internal/logbuffer"
	"github.com/friendsincode/nmstereo/internal/logging"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/playlist"
	"github.com/friendsincode/nmstereo/internal/server"
	"github.com/friendsincode/nmstereo/internal/stereo"
)

var broadcastMemoryBroker bool

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Run the broadcaster",
	Long: `Run the broadcaster: it owns the play queue, announces one item at a time
on the broadcast channel and advances when a stereo confirms playback or the
current track runs out.

With --memory-broker the decoder and a dry-run stereo run in the same process
over an in-memory broker, and each line read from stdin is submitted as a
request. Nothing else needs to be running.`,
	RunE: runBroadcast,
}

func init() {
	broadcastCmd.Flags().BoolVar(&broadcastMemoryBroker, "memory-broker", false, "Use an in-process broker with a local decoder and dry-run stereo")
	rootCmd.AddCommand(broadcastCmd)
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logBuf := logbuffer.New(logbuffer.DefaultCapacity)
	logger = logging.SetupWithWriter(cfg.Environment, logbuffer.NewWriter(logBuf))

	ctx, stop := signalContext()
	defer stop()

	logger.Info().Bool("memory_broker", broadcastMemoryBroker).Msg("nmstereo broadcaster starting")

	shutdownTracer, err := initTracer(ctx, "broadcaster")
	if err != nil {
		return err
	}
	defer shutdownTracer()

	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	store := playlist.NewGormStore(database)

	bus, closeBus, err := newEventBus(nodeID())
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer closeBus()

	history := audit.NewService(database, bus, logger)
	go history.Start(ctx)

	bcfg := broadcaster.DefaultConfig()
	bcfg.ExpiryGrace = cfg.ExpiryGrace

	tracker := &server.SessionTracker{}
	term := broadcaster.Term{
		Store:     store,
		Notifier:  newNotifier(bus),
		Events:    bus,
		Config:    bcfg,
		Logger:    logger,
		OnSession: tracker.Set,
		OpenSession: func(ctx context.Context) (*broker.Session, error) {
			return openSession(ctx, natsTransport())
		},
	}

	if broadcastMemoryBroker {
		session, closeCache, err := startMemoryPipeline(ctx, store, bus)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeCache(); err != nil {
				logger.Warn().Err(err).Msg("close track cache")
			}
		}()
		defer session.Close()
		term.OpenSession = func(context.Context) (*broker.Session, error) { return session, nil }
	}

	srv := server.New(cfg.HTTPAddr(), store, tracker, bus, logger)
	srv.SetLogBuffer(logBuf)
	srv.SetHistory(history)
	httpErr := make(chan error, 1)
	go func() { httpErr <- srv.ListenAndServe() }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	var runErr error
	if cfg.LeaderElection && !broadcastMemoryBroker {
		runErr = runLeaderAware(ctx, term, httpErr)
	} else {
		termErr := make(chan error, 1)
		go func() { termErr <- term.Run(ctx) }()
		select {
		case runErr = <-termErr:
		case err := <-httpErr:
			stop()
			<-termErr
			runErr = httpFailure(err)
		}
	}

	if errors.Is(runErr, broker.ErrClosed) {
		logger.Warn().Msg("broker closed the connection, broadcaster stopping")
		return nil
	}
	if runErr != nil {
		return runErr
	}
	logger.Info().Msg("nmstereo broadcaster stopped")
	return nil
}

// runLeaderAware runs broadcaster terms only while this instance holds the lease.
func runLeaderAware(ctx context.Context, term broadcaster.Term, httpErr <-chan error) error {
	electionCfg := leadership.DefaultConfig()
	electionCfg.RedisAddr = cfg.RedisAddr
	electionCfg.RedisPassword = cfg.RedisPassword
	electionCfg.RedisDB = cfg.RedisDB
	electionCfg.LeaseDuration = cfg.LeaderLeaseTime
	electionCfg.RenewalInterval = cfg.LeaderLeaseTime / 3
	if cfg.InstanceID != "" {
		electionCfg.InstanceID = cfg.InstanceID
	}

	election, err := leadership.NewElection(electionCfg, logger)
	if err != nil {
		return fmt.Errorf("leader election: %w", err)
	}

	la := broadcaster.NewLeaderAware(term.Run, election, logger)
	if err := la.Start(ctx); err != nil {
		return fmt.Errorf("start leader election: %w", err)
	}
	defer func() {
		if err := la.Stop(); err != nil {
			logger.Error().Err(err).Msg("stop leader election")
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-la.Fatal():
		return err
	case err := <-httpErr:
		return httpFailure(err)
	}
}

func httpFailure(err error) error {
	if err == nil {
		return errors.New("ops http server stopped")
	}
	return fmt.Errorf("ops http server: %w", err)
}

// startMemoryPipeline opens one in-process session shared by the decoder, a
// dry-run stereo and the broadcaster, and feeds stdin lines in as requests.
// The returned func closes the decoder's track cache and is never nil.
func startMemoryPipeline(ctx context.Context, store playlist.Store, bus events.Publisher) (*broker.Session, func() error, error) {
	session, err := openSession(ctx, broker.NewMemoryTransport())
	if err != nil {
		return nil, nil, err
	}

	res, closeCache := newResolver()
	fail := func(err error) (*broker.Session, func() error, error) {
		_ = session.Close()
		_ = closeCache()
		return nil, nil, err
	}
	dec := decoder.New(store, res, session, bus, logger)
	if err := dec.Start(ctx); err != nil {
		return fail(fmt.Errorf("start decoder: %w", err))
	}
	if err := stereo.NewClient(session, stereo.NewLogPlayer(logger), logger).Start(ctx); err != nil {
		return fail(fmt.Errorf("start stereo: %w", err))
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			req := models.Request{
				ID:     uuid.NewString(),
				Text:   text,
				From:   models.Requester{ScreenName: currentUser()},
				Source: models.SourceCLI,
			}
			msg, err := broker.JSONMessage(session.Topology().Decode.Subject, req)
			if err != nil {
				logger.Error().Err(err).Msg("encode request")
				continue
			}
			if err := session.Publish(ctx, msg); err != nil {
				logger.Error().Err(err).Msg("submit request")
				return
			}
		}
	}()

	logger.Info().Msg("in-memory pipeline ready, type track links to request them")
	return session, closeCache, nil
}
