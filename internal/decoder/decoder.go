/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package decoder turns free text requests into playlist items and hands
// their ids to the broadcaster.
package decoder

import (
	"context"
	"fmt"
	"strings"

	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/playlist"
	"github.com/friendsincode/nmstereo/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TrackResolver finds catalog tracks in request text.
type TrackResolver interface {
	Resolve(ctx context.Context, text string) []models.Track
}

// Service consumes the decode queue.
type Service struct {
	store    playlist.Store
	resolver TrackResolver
	session  *broker.Session
	events   events.Publisher
	logger   zerolog.Logger
}

// New creates a decoder. sink may be nil.
func New(store playlist.Store, resolver TrackResolver, session *broker.Session, sink events.Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		session:  session,
		events:   sink,
		logger:   logger.With().Str("component", "decoder").Logger(),
	}
}

// Start attaches the decode queue consumer.
func (s *Service) Start(ctx context.Context) error {
	topo := s.session.Topology()
	return s.session.Consume(ctx, broker.Binding{Channel: topo.Decode, Durable: broker.DurableDecoder}, s.handle)
}

func (s *Service) handle(ctx context.Context, d *broker.Delivery) {
	var req models.Request
	if err := d.Decode(&req); err != nil {
		telemetry.DecodeRequestsTotal.WithLabelValues("invalid").Inc()
		s.logger.Warn().Err(err).Str("subject", d.Subject).Msg("malformed request, dropping")
		_ = d.Ack()
		return
	}

	count, err := s.Decode(ctx, req)
	if err != nil {
		telemetry.DecodeRequestsTotal.WithLabelValues("error").Inc()
		s.logger.Error().Err(err).Int("attempt", d.Attempt).Msg("decode failed, requesting redelivery")
		_ = d.Nak()
		return
	}

	if count == 0 {
		telemetry.DecodeRequestsTotal.WithLabelValues("no_tracks").Inc()
	} else {
		telemetry.DecodeRequestsTotal.WithLabelValues("decoded").Inc()
	}
	if err := d.Ack(); err != nil {
		s.logger.Warn().Err(err).Msg("ack failed")
	}
}

// Decode resolves req, stores one new item per track and publishes each
// item id on the receive queue. It returns the number of items handed over.
func (s *Service) Decode(ctx context.Context, req models.Request) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "decoder", "decoder.decode")
	defer span.End()

	source := req.Source
	if source == "" {
		source = models.SourceCLI
	}

	tracks := s.resolver.Resolve(ctx, req.Text)
	if len(tracks) == 0 {
		s.logger.Info().Str("from", req.From.ScreenName).Msg("request has no playable tracks")
		s.emit(events.EventRequestRejected, events.Payload{"from": req.From, "text": req.Text, "source": source})
		return 0, nil
	}

	receive := s.session.Topology().Receive
	for i, track := range tracks {
		item := &models.PlaylistItem{
			ID:     itemID(req.ID, track.Href),
			Track:  track,
			Source: source,
			From:   req.From,
			Status: models.StatusNew,
		}
		if _, err := s.store.Create(ctx, item); err != nil {
			telemetry.RecordError(span, err)
			return i, err
		}
		if err := s.session.Publish(ctx, broker.TextMessage(receive.Subject, item.ID)); err != nil {
			telemetry.RecordError(span, err)
			return i, fmt.Errorf("publish item %s: %w", item.ID, err)
		}

		s.logger.Info().
			Str("item_id", item.ID).
			Str("track", track.Name).
			Str("from", req.From.ScreenName).
			Msg("sending item to broadcaster")
	}

	s.emit(events.EventRequestDecoded, events.Payload{"from": req.From, "tracks": len(tracks), "source": source})
	return len(tracks), nil
}

// itemID derives a stable id from the request and track so a redelivered
// request reuses the items it already stored, whichever tracks resolved the
// first time. Track URIs are unique within one request.
func itemID(requestID, href string) string {
	if strings.TrimSpace(requestID) == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("nmstereo:%s:%s", requestID, href))).String()
}

func (s *Service) emit(eventType events.EventType, payload events.Payload) {
	if s.events != nil {
		s.events.Publish(eventType, payload)
	}
}
