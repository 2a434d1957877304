/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package broadcaster decides which playlist item plays next and announces it.
//
// All state changes run on a single actor goroutine. Handlers submit
// commands and wait for the reply, so the in-memory queue needs no locking
// and every read-check-write against the store is serialized within the
// process. Across processes the store's conditional updates decide.
package broadcaster

import (
	"context"
	"errors"
	"time"

	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/playlist"
	"github.com/friendsincode/nmstereo/internal/telemetry"
	"github.com/rs/zerolog"
)

// ErrStopped is returned for commands submitted after the actor stopped.
var ErrStopped = errors.New("broadcaster stopped")

// Publisher announces an item on the broadcast channel.
type Publisher interface {
	Publish(ctx context.Context, item *models.PlaylistItem) error
}

// Notifier is told when an item starts playing. Failures never roll back the transition.
type Notifier interface {
	NowPlaying(ctx context.Context, item models.PlaylistItem) error
}

// EventSink receives lifecycle events for live listeners.
type EventSink interface {
	Publish(eventType events.EventType, payload events.Payload)
}

// Config tunes the broadcaster.
type Config struct {
	// ExpiryGrace is added to a track length before the expiry timer fires.
	ExpiryGrace time.Duration
	// NotifyTimeout bounds a single now playing notification.
	NotifyTimeout time.Duration
	Clock         Clock
}

// DefaultConfig returns default broadcaster configuration.
func DefaultConfig() Config {
	return Config{
		ExpiryGrace:   200 * time.Millisecond,
		NotifyTimeout: 10 * time.Second,
		Clock:         realClock{},
	}
}

type command struct {
	name  string
	ctx   context.Context
	run   func(ctx context.Context) error
	reply chan error
}

// Service is the playlist state machine.
type Service struct {
	store     playlist.Store
	publisher Publisher
	notifier  Notifier
	events    EventSink
	cfg       Config
	logger    zerolog.Logger

	commands chan command
	stopped  chan struct{}

	// Owned by the actor goroutine.
	queue          []*models.PlaylistItem
	expiry         Timer
	expiryFor      string
	pendingPublish *models.PlaylistItem
}

// New creates a broadcaster. Call Run to start processing commands.
func New(store playlist.Store, publisher Publisher, notifier Notifier, sink EventSink, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = DefaultConfig().NotifyTimeout
	}
	if cfg.ExpiryGrace < 0 {
		cfg.ExpiryGrace = 0
	}
	return &Service{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		events:    sink,
		cfg:       cfg,
		logger:    logger.With().Str("component", "broadcaster").Logger(),
		commands:  make(chan command),
		stopped:   make(chan struct{}),
	}
}

// Run processes commands until ctx is cancelled. Pending timers are
// cancelled on return. A Service runs once.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info().Msg("broadcaster started")

	defer func() {
		if s.expiry != nil {
			s.expiry.Stop()
			s.expiry = nil
		}
		close(s.stopped)
		s.logger.Info().Msg("broadcaster stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.commands:
			cmd.reply <- s.execute(cmd)
		}
	}
}

func (s *Service) execute(cmd command) error {
	ctx, span := telemetry.StartSpan(cmd.ctx, "broadcaster", "broadcaster."+cmd.name)
	defer span.End()

	err := cmd.run(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
	}
	return err
}

// Done is closed once Run has returned.
func (s *Service) Done() <-chan struct{} {
	return s.stopped
}

func (s *Service) submit(ctx context.Context, name string, fn func(context.Context) error) error {
	reply := make(chan error, 1)
	select {
	case s.commands <- command{name: name, ctx: ctx, run: fn, reply: reply}:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load restores the in-memory queue and timers from the store.
func (s *Service) Load(ctx context.Context) error {
	return s.submit(ctx, "load", s.load)
}

// OnIngested queues a newly resolved item. Calling it again for an item
// that is already queued or further along is a no-op.
func (s *Service) OnIngested(ctx context.Context, id string) error {
	return s.submit(ctx, "on_ingested", func(ctx context.Context) error {
		return s.onIngested(ctx, id)
	})
}

// OnNowPlaying records that a stereo client started playing id.
func (s *Service) OnNowPlaying(ctx context.Context, id string) error {
	return s.submit(ctx, "on_now_playing", func(ctx context.Context) error {
		return s.onNowPlaying(ctx, id)
	})
}

// OnConfirmed handles a playback confirmation.
func (s *Service) OnConfirmed(ctx context.Context, id string) error {
	return s.OnNowPlaying(ctx, id)
}

// EvaluateAdvance sends the head of the queue when nothing is sent and
// nothing is playing, or the playing item has run past its length.
func (s *Service) EvaluateAdvance(ctx context.Context) error {
	return s.submit(ctx, "evaluate_advance", s.evaluateAdvance)
}

// Queue returns a snapshot of the in-memory queue.
func (s *Service) Queue(ctx context.Context) ([]models.PlaylistItem, error) {
	var out []models.PlaylistItem
	err := s.submit(ctx, "queue", func(context.Context) error {
		out = make([]models.PlaylistItem, len(s.queue))
		for i, item := range s.queue {
			out[i] = *item
		}
		return nil
	})
	return out, err
}
