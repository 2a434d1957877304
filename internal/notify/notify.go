/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package notify tells the outside world which item started playing.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/models"
)

// Notifier is told when an item starts playing.
type Notifier interface {
	NowPlaying(ctx context.Context, item models.PlaylistItem) error
}

// BusNotifier publishes now playing events for live listeners.
type BusNotifier struct {
	bus events.Publisher
}

// NewBusNotifier publishes on bus.
func NewBusNotifier(bus events.Publisher) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// NowPlaying publishes events.EventNowPlaying.
func (n *BusNotifier) NowPlaying(_ context.Context, item models.PlaylistItem) error {
	n.bus.Publish(events.EventNowPlaying, NowPlayingPayload(item))
	return nil
}

// NowPlayingPayload is the event form of a playing item.
func NowPlayingPayload(item models.PlaylistItem) events.Payload {
	payload := events.Payload{
		"item_id": item.ID,
		"status":  string(item.Status),
		"track":   item.Track,
		"from":    item.From,
		"source":  item.Source,
	}
	if item.StartDate != nil {
		payload["start_date"] = item.StartDate.UTC().Format(time.RFC3339)
	}
	return payload
}

// Multi notifies every notifier and joins their errors.
type Multi []Notifier

// NowPlaying calls each notifier in order; one failure does not stop the rest.
func (m Multi) NowPlaying(ctx context.Context, item models.PlaylistItem) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NowPlaying(ctx, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
