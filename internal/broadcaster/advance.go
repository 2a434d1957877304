/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/playlist"
	"github.com/friendsincode/nmstereo/internal/telemetry"
)

// The methods below run on the actor goroutine only.

func (s *Service) load(ctx context.Context) error {
	queued, err := s.store.FindByStatus(ctx, models.StatusQueued)
	if err != nil {
		return fmt.Errorf("load queued items: %w", err)
	}
	for i := range queued {
		if !s.inQueue(queued[i].ID) {
			item := queued[i]
			s.queue = append(s.queue, &item)
		}
	}
	telemetry.PlaylistQueueDepth.Set(float64(len(s.queue)))

	playing, err := s.store.FindByStatus(ctx, models.StatusPlaying)
	if err != nil {
		return fmt.Errorf("load playing items: %w", err)
	}
	if current, err := s.collapsePlaying(ctx, playing); err != nil {
		return err
	} else if current != nil {
		s.armExpiry(current)
	}

	sent, err := s.store.FindByStatus(ctx, models.StatusSent)
	if err != nil {
		return fmt.Errorf("load sent items: %w", err)
	}
	if len(sent) > 1 {
		s.logger.Error().Int("sent", len(sent)).Msg("more than one item is sent, leaving them for confirmation")
	}
	if len(sent) > 0 {
		// The previous process may have died between marking and publishing.
		item := sent[0]
		s.pendingPublish = &item
	}

	s.logger.Info().
		Int("queued", len(s.queue)).
		Int("playing", len(playing)).
		Int("sent", len(sent)).
		Msg("playlist state loaded")
	return nil
}

// collapsePlaying keeps the most recently started playing item and marks the rest played.
func (s *Service) collapsePlaying(ctx context.Context, playing []models.PlaylistItem) (*models.PlaylistItem, error) {
	if len(playing) == 0 {
		return nil, nil
	}
	latest := 0
	for i := range playing {
		if startedAfter(playing[i], playing[latest]) {
			latest = i
		}
	}
	if len(playing) > 1 {
		s.logger.Warn().Int("playing", len(playing)).Msg("more than one item is playing, collapsing")
		for i := range playing {
			if i == latest {
				continue
			}
			if err := s.markPlayed(ctx, playing[i].ID, "collapsed"); err != nil {
				return nil, err
			}
		}
	}
	current := playing[latest]
	return &current, nil
}

func startedAfter(a, b models.PlaylistItem) bool {
	if a.StartDate == nil {
		return false
	}
	if b.StartDate == nil {
		return true
	}
	return a.StartDate.After(*b.StartDate)
}

func (s *Service) onIngested(ctx context.Context, id string) error {
	if s.inQueue(id) {
		telemetry.ItemsIngestedTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug().Str("item_id", id).Msg("item already queued")
		return nil
	}

	item, err := s.store.FindOne(ctx, id)
	if err != nil {
		telemetry.ItemsIngestedTotal.WithLabelValues("error").Inc()
		return err
	}

	switch item.Status {
	case models.StatusNew:
		item, err = s.store.Transition(ctx, id, models.StatusQueued, s.cfg.Clock.Now())
		if err != nil {
			telemetry.ItemsIngestedTotal.WithLabelValues("error").Inc()
			return err
		}
	case models.StatusQueued:
		// Redelivered after the store write but before the ack.
	default:
		telemetry.ItemsIngestedTotal.WithLabelValues("skipped").Inc()
		s.logger.Info().Str("item_id", id).Str("status", string(item.Status)).Msg("ingested item is past queued, skipping")
		return nil
	}

	s.queue = append(s.queue, item)
	telemetry.PlaylistQueueDepth.Set(float64(len(s.queue)))
	telemetry.ItemsIngestedTotal.WithLabelValues("queued").Inc()
	s.emit(events.EventQueued, item)

	s.logger.Info().
		Str("item_id", id).
		Str("track", item.Track.Name).
		Int("queued", len(s.queue)).
		Msg("item queued")
	return nil
}

func (s *Service) evaluateAdvance(ctx context.Context) error {
	if err := s.retryPendingPublish(ctx); err != nil {
		return err
	}

	for len(s.queue) > 0 {
		sent, err := s.store.FindByStatus(ctx, models.StatusSent)
		if err != nil {
			return fmt.Errorf("find sent items: %w", err)
		}
		playing, err := s.store.FindByStatus(ctx, models.StatusPlaying)
		if err != nil {
			return fmt.Errorf("find playing items: %w", err)
		}
		if len(sent) > 1 {
			s.logger.Error().Int("sent", len(sent)).Msg("more than one item is sent")
		}

		now := s.cfg.Clock.Now()
		expired := false
		for i := range playing {
			if playing[i].Expired(now) {
				expired = true
			}
		}

		if len(sent) > 0 || (len(playing) > 0 && !expired) {
			s.logger.Debug().
				Int("sent", len(sent)).
				Int("playing", len(playing)).
				Int("queued", len(s.queue)).
				Msg("not advancing")
			return nil
		}

		// Retire whatever is playing before claiming the sent slot so that
		// sent and playing are never both occupied.
		for i := range playing {
			if err := s.markPlayed(ctx, playing[i].ID, "expired"); err != nil {
				return err
			}
		}
		if len(playing) > 0 {
			s.cancelExpiry()
		}

		head := s.queue[0]
		item, err := s.store.MarkSent(ctx, head.ID)
		switch {
		case err == nil:
		case errors.Is(err, playlist.ErrNotFound):
			s.logger.Warn().Str("item_id", head.ID).Msg("queued item vanished from the store, dropping")
			s.popHead()
			continue
		case errors.Is(err, playlist.ErrConflict):
			current, findErr := s.store.FindOne(ctx, head.ID)
			if findErr == nil && current.Status != models.StatusQueued {
				s.logger.Warn().Str("item_id", head.ID).Str("status", string(current.Status)).Msg("queued item moved on elsewhere, dropping")
				s.popHead()
				continue
			}
			s.logger.Warn().Err(err).Str("item_id", head.ID).Msg("send slot taken, keeping item at head")
			return nil
		default:
			telemetry.BroadcasterErrorsTotal.WithLabelValues("mark_sent").Inc()
			return fmt.Errorf("mark %s sent: %w", head.ID, err)
		}

		s.popHead()
		s.emit(events.EventSent, item)
		return s.publish(ctx, item)
	}
	return nil
}

// retryPendingPublish re-announces a sent item whose publish failed or
// whose publish outcome was lost in a restart.
func (s *Service) retryPendingPublish(ctx context.Context) error {
	if s.pendingPublish == nil {
		return nil
	}
	current, err := s.store.FindOne(ctx, s.pendingPublish.ID)
	if errors.Is(err, playlist.ErrNotFound) {
		s.pendingPublish = nil
		return nil
	}
	if err != nil {
		return err
	}
	if current.Status != models.StatusSent {
		s.pendingPublish = nil
		return nil
	}
	return s.publish(ctx, current)
}

// publish announces a sent item. On failure the item is retried on the next evaluation.
func (s *Service) publish(ctx context.Context, item *models.PlaylistItem) error {
	if err := s.publisher.Publish(ctx, item); err != nil {
		s.pendingPublish = item
		telemetry.BroadcasterErrorsTotal.WithLabelValues("publish").Inc()
		return fmt.Errorf("publish %s: %w", item.ID, err)
	}
	s.pendingPublish = nil
	telemetry.BroadcastsSentTotal.Inc()
	s.logger.Info().
		Str("item_id", item.ID).
		Str("track", item.Track.Name).
		Str("from", item.From.ScreenName).
		Msg("item sent")
	return nil
}

func (s *Service) onNowPlaying(ctx context.Context, id string) error {
	item, err := s.store.FindOne(ctx, id)
	if errors.Is(err, playlist.ErrNotFound) {
		telemetry.ConfirmationsTotal.WithLabelValues("unknown").Inc()
		s.logger.Warn().Str("item_id", id).Msg("confirmation for unknown item")
		return err
	}
	if err != nil {
		return err
	}

	now := s.cfg.Clock.Now()

	switch item.Status {
	case models.StatusPlaying:
		restarted, err := s.store.RestartPlaying(ctx, id, now)
		if err != nil {
			return err
		}
		s.armExpiry(restarted)
		telemetry.ConfirmationsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info().Str("item_id", id).Msg("duplicate confirmation, playback restarted")
		return nil

	case models.StatusSent:
		playing, err := s.store.FindByStatus(ctx, models.StatusPlaying)
		if err != nil {
			return fmt.Errorf("find playing items: %w", err)
		}
		if len(playing) > 1 {
			s.logger.Warn().Int("playing", len(playing)).Msg("more than one item is playing, marking all played")
		}
		for i := range playing {
			if err := s.markPlayed(ctx, playing[i].ID, "confirmed"); err != nil {
				return err
			}
		}

		current, err := s.store.Transition(ctx, id, models.StatusPlaying, now)
		if err != nil {
			return err
		}
		if s.pendingPublish != nil && s.pendingPublish.ID == id {
			s.pendingPublish = nil
		}
		s.armExpiry(current)
		s.notify(*current)
		telemetry.ConfirmationsTotal.WithLabelValues("playing").Inc()

		s.logger.Info().
			Str("item_id", id).
			Str("track", current.Track.Name).
			Str("from", current.From.ScreenName).
			Dur("length", current.Track.Duration()).
			Msg("now playing")

		if err := s.evaluateAdvance(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("advance after confirmation failed")
		}
		return nil

	default:
		telemetry.ConfirmationsTotal.WithLabelValues("ignored").Inc()
		s.logger.Warn().
			Str("item_id", id).
			Str("status", string(item.Status)).
			Msg("confirmation for item that was not sent, dropping")
		return nil
	}
}

func (s *Service) markPlayed(ctx context.Context, id, reason string) error {
	item, err := s.store.Transition(ctx, id, models.StatusPlayed, s.cfg.Clock.Now())
	if err != nil {
		return fmt.Errorf("mark %s played: %w", id, err)
	}
	telemetry.ItemsPlayedTotal.WithLabelValues(reason).Inc()
	s.emit(events.EventPlayed, item)
	s.logger.Debug().Str("item_id", id).Str("reason", reason).Msg("item played")
	return nil
}

// armExpiry schedules an advance evaluation for when item should have finished.
func (s *Service) armExpiry(item *models.PlaylistItem) {
	ends, ok := item.ExpiresAt()
	if !ok {
		return
	}
	s.cancelExpiry()

	delay := ends.Sub(s.cfg.Clock.Now()) + s.cfg.ExpiryGrace
	if delay < 0 {
		delay = 0
	}
	id := item.ID
	s.expiryFor = id
	s.expiry = s.cfg.Clock.AfterFunc(delay, func() {
		telemetry.ExpiryTimerFires.Inc()
		if err := s.submit(context.Background(), "expiry", s.evaluateAdvance); err != nil && !errors.Is(err, ErrStopped) {
			s.logger.Warn().Err(err).Str("item_id", id).Msg("advance on expiry failed")
		}
	})
	s.logger.Debug().Str("item_id", id).Dur("in", delay).Msg("expiry timer armed")
}

func (s *Service) cancelExpiry() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
		s.expiryFor = ""
	}
}

func (s *Service) notify(item models.PlaylistItem) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.NotifyTimeout)
		defer cancel()
		if err := s.notifier.NowPlaying(ctx, item); err != nil {
			telemetry.BroadcasterErrorsTotal.WithLabelValues("notify").Inc()
			s.logger.Warn().Err(err).Str("item_id", item.ID).Msg("now playing notification failed")
		}
	}()
}

func (s *Service) emit(eventType events.EventType, item *models.PlaylistItem) {
	if s.events == nil {
		return
	}
	payload := events.Payload{
		"item_id": item.ID,
		"status":  string(item.Status),
		"track":   item.Track,
		"from":    item.From,
		"source":  item.Source,
	}
	if item.StartDate != nil {
		payload["start_date"] = item.StartDate.Format(time.RFC3339)
	}
	s.events.Publish(eventType, payload)
}

func (s *Service) inQueue(id string) bool {
	for _, item := range s.queue {
		if item.ID == id {
			return true
		}
	}
	return false
}

func (s *Service) popHead() {
	s.queue[0] = nil
	s.queue = s.queue[1:]
	telemetry.PlaylistQueueDepth.Set(float64(len(s.queue)))
}
