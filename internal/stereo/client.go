/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package stereo plays broadcast items and confirms them back to the broadcaster.
package stereo

import (
	"context"
	"sync"

	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/telemetry"
	"github.com/rs/zerolog"
)

// Client is one stereo listening to the broadcast channel.
type Client struct {
	session *broker.Session
	player  Player
	logger  zerolog.Logger

	mu        sync.Mutex
	current   string
	confirmed bool
}

// NewClient creates a stereo client on an open session.
func NewClient(session *broker.Session, player Player, logger zerolog.Logger) *Client {
	return &Client{
		session: session,
		player:  player,
		logger:  logger.With().Str("component", "stereo").Logger(),
	}
}

// Start subscribes to the broadcast channel with a private, anonymous subscription.
func (c *Client) Start(ctx context.Context) error {
	topo := c.session.Topology()
	if err := c.session.Consume(ctx, broker.Binding{Channel: topo.Broadcast}, c.handle); err != nil {
		return err
	}
	c.logger.Info().Str("subject", topo.Broadcast.Subject).Msg("waiting for tracks")
	return nil
}

// Current returns the id of the item last played.
func (c *Client) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) handle(ctx context.Context, d *broker.Delivery) {
	var msg models.BroadcastMessage
	if err := d.Decode(&msg); err != nil || msg.ID == "" {
		telemetry.StereoPlaysTotal.WithLabelValues("invalid").Inc()
		c.logger.Warn().Err(err).Msg("malformed broadcast, dropping")
		_ = d.Ack()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.ID == c.current {
		if c.confirmed {
			telemetry.StereoPlaysTotal.WithLabelValues("duplicate").Inc()
			c.logger.Debug().Str("item_id", msg.ID).Msg("already playing, skipping")
			_ = d.Ack()
			return
		}
		// Played before but the confirmation never went out.
		c.confirm(ctx, d, msg)
		return
	}

	c.logger.Info().
		Str("item_id", msg.ID).
		Str("track", msg.Track.Name).
		Str("from", msg.From.ScreenName).
		Msg("playing")

	if err := c.player.Play(ctx, msg.Track); err != nil {
		telemetry.StereoPlaysTotal.WithLabelValues("failed").Inc()
		c.logger.Error().Err(err).Str("item_id", msg.ID).Int("attempt", d.Attempt).Msg("play failed")
		_ = d.Nak()
		return
	}
	telemetry.StereoPlaysTotal.WithLabelValues("played").Inc()

	c.current = msg.ID
	c.confirmed = false
	c.confirm(ctx, d, msg)
}

// confirm publishes the raw id on the confirmation queue, then acks. Callers hold c.mu.
func (c *Client) confirm(ctx context.Context, d *broker.Delivery, msg models.BroadcastMessage) {
	confirm := c.session.Topology().Confirm
	if err := c.session.Publish(ctx, broker.TextMessage(confirm.Subject, msg.ID)); err != nil {
		c.logger.Error().Err(err).Str("item_id", msg.ID).Msg("confirmation failed")
		_ = d.Nak()
		return
	}
	c.confirmed = true
	_ = d.Ack()
	c.logger.Debug().Str("item_id", msg.ID).Msg("confirmed")
}
