/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcaster

import (
	"context"
	"errors"
	"strings"

	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/playlist"
	"github.com/friendsincode/nmstereo/internal/telemetry"
	"github.com/rs/zerolog"
)

// Consumers feeds the ingestion and confirmation queues into a Service.
type Consumers struct {
	service *Service
	session *broker.Session
	logger  zerolog.Logger
}

// NewConsumers binds service to the session's queues.
func NewConsumers(service *Service, session *broker.Session, logger zerolog.Logger) *Consumers {
	return &Consumers{
		service: service,
		session: session,
		logger:  logger.With().Str("component", "broadcaster_consumers").Logger(),
	}
}

// Start attaches both consumers and runs the cold start evaluation.
func (c *Consumers) Start(ctx context.Context) error {
	topo := c.session.Topology()

	if err := c.session.Consume(ctx, broker.Binding{Channel: topo.Receive, Durable: broker.DurableBroadcasterReceive}, c.handleIngest); err != nil {
		return err
	}
	if err := c.session.Consume(ctx, broker.Binding{Channel: topo.Confirm, Durable: broker.DurableBroadcasterConfirm}, c.handleConfirm); err != nil {
		return err
	}

	if err := c.service.EvaluateAdvance(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("initial advance failed")
	}
	return nil
}

// handleIngest acks only after the item is queued in the store, then evaluates.
func (c *Consumers) handleIngest(ctx context.Context, d *broker.Delivery) {
	id := strings.TrimSpace(d.Text())
	if id == "" {
		c.logger.Warn().Str("subject", d.Subject).Msg("empty item id, dropping")
		_ = d.Ack()
		return
	}

	err := c.service.OnIngested(ctx, id)
	if !c.settle(d, id, err, "ingest") {
		return
	}

	if err := c.service.EvaluateAdvance(ctx); err != nil {
		telemetry.BroadcasterErrorsTotal.WithLabelValues("advance").Inc()
		c.logger.Warn().Err(err).Str("item_id", id).Msg("advance after ingest failed")
	}
}

// handleConfirm acks after the now playing transition completes.
func (c *Consumers) handleConfirm(ctx context.Context, d *broker.Delivery) {
	id := strings.TrimSpace(d.Text())
	if id == "" {
		c.logger.Warn().Str("subject", d.Subject).Msg("empty confirmation, dropping")
		_ = d.Ack()
		return
	}

	err := c.service.OnConfirmed(ctx, id)
	c.settle(d, id, err, "confirm")
}

// settle acks successes and unknown ids, and naks everything else for
// redelivery. It reports whether processing succeeded.
func (c *Consumers) settle(d *broker.Delivery, id string, err error, stage string) bool {
	switch {
	case err == nil:
		if ackErr := d.Ack(); ackErr != nil {
			c.logger.Warn().Err(ackErr).Str("item_id", id).Msg("ack failed")
		}
		return true
	case errors.Is(err, playlist.ErrNotFound):
		c.logger.Warn().Str("item_id", id).Str("stage", stage).Msg("unknown item id, dropping")
		_ = d.Ack()
		return false
	default:
		telemetry.BroadcasterErrorsTotal.WithLabelValues(stage).Inc()
		c.logger.Error().Err(err).Str("item_id", id).Str("stage", stage).Int("attempt", d.Attempt).Msg("handler failed, requesting redelivery")
		_ = d.Nak()
		return false
	}
}
