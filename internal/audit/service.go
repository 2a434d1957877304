/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package audit keeps a durable history of playlist lifecycle events.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/models"
)

// Source is the subscribe side of an event bus.
type Source interface {
	Subscribe(eventType events.EventType) events.Subscriber
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
}

// historyNamespace seeds deterministic entry ids.
var historyNamespace = uuid.MustParse("6f0c1d7e-3b7a-4e61-9a55-2f1f4f3b9c10")

// Service records playlist events as history entries. Every replica may
// record the same event; entry ids are derived from the event so only the
// first write lands.
type Service struct {
	db     *gorm.DB
	source Source
	logger zerolog.Logger
	now    func() time.Time
}

// NewService creates a new history recorder.
func NewService(db *gorm.DB, source Source, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		source: source,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type received struct {
	eventType events.EventType
	payload   events.Payload
}

// Start subscribes to the playlist events and records them until ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	merged := make(chan received, 64)
	var wg sync.WaitGroup
	for _, eventType := range events.PlaylistEvents {
		sub := s.source.Subscribe(eventType)
		wg.Add(1)
		go func(eventType events.EventType, sub events.Subscriber) {
			defer wg.Done()
			defer s.source.Unsubscribe(eventType, sub)
			for {
				select {
				case <-ctx.Done():
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					select {
					case merged <- received{eventType: eventType, payload: payload}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(eventType, sub)
	}

	s.logger.Info().Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			s.logger.Info().Msg("audit service stopping")
			return
		case msg := <-merged:
			if err := s.Record(ctx, msg.eventType, msg.payload); err != nil {
				s.logger.Error().Err(err).Str("event", string(msg.eventType)).Msg("failed to record history entry")
			}
		}
	}
}

// Record stores one event. Payloads without an item id are ignored.
func (s *Service) Record(ctx context.Context, eventType events.EventType, payload events.Payload) error {
	itemID, _ := payload["item_id"].(string)
	if itemID == "" {
		return nil
	}

	entry := &models.HistoryEntry{
		ItemID:  itemID,
		Event:   string(eventType),
		At:      s.now(),
		Details: make(map[string]any),
	}
	if status, ok := payload["status"].(string); ok {
		entry.Status = models.Status(status)
	}
	startDate, _ := payload["start_date"].(string)
	if startDate != "" {
		if at, err := time.Parse(time.RFC3339, startDate); err == nil && eventType == events.EventNowPlaying {
			entry.At = at.UTC()
		}
	}
	entry.Requester = requesterName(payload["from"])
	entry.TrackHref = trackHref(payload["track"])

	for k, v := range payload {
		switch k {
		case "item_id", "status", "from", "track":
		default:
			entry.Details[k] = v
		}
	}

	// A restart produces a new start date and so a new entry.
	entry.ID = uuid.NewSHA1(historyNamespace, []byte(itemID+"|"+entry.Event+"|"+startDate)).String()

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		return fmt.Errorf("record %s for %s: %w", eventType, itemID, res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Debug().Str("event", entry.Event).Str("item_id", itemID).Msg("history entry recorded")
	}
	return nil
}

// QueryFilters narrows a history query.
type QueryFilters struct {
	ItemID string
	Event  string
	Since  time.Time
	Limit  int
}

// Query returns matching entries newest first.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.HistoryEntry, error) {
	query := s.db.WithContext(ctx).Model(&models.HistoryEntry{})
	if filters.ItemID != "" {
		query = query.Where("item_id = ?", filters.ItemID)
	}
	if filters.Event != "" {
		query = query.Where("event = ?", filters.Event)
	}
	if !filters.Since.IsZero() {
		query = query.Where("at >= ?", filters.Since)
	}

	limit := filters.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var entries []models.HistoryEntry
	if err := query.Order("at DESC").Order("id ASC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return entries, nil
}

// requesterName reads the screen name from an in-process Requester or a
// decoded JSON object.
func requesterName(v any) string {
	switch from := v.(type) {
	case models.Requester:
		return from.ScreenName
	case map[string]any:
		name, _ := from["screen_name"].(string)
		return name
	}
	return ""
}

func trackHref(v any) string {
	switch track := v.(type) {
	case models.Track:
		return track.Href
	case map[string]any:
		href, _ := track["href"].(string)
		return href
	}
	return ""
}
