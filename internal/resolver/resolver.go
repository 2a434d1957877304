/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package resolver

import (
	"context"

	"github.com/friendsincode/nmstereo/internal/cache"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/telemetry"
	"github.com/rs/zerolog"
)

// Resolver turns request text into catalog tracks.
type Resolver struct {
	catalog Catalog
	cache   *cache.Cache
	logger  zerolog.Logger
}

// New creates a resolver. A nil cache disables caching.
func New(catalog Catalog, c *cache.Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{
		catalog: catalog,
		cache:   c,
		logger:  logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns metadata for every track mentioned in text. Tracks whose
// lookup fails are skipped; lookups are not retried.
func (r *Resolver) Resolve(ctx context.Context, text string) []models.Track {
	ctx, span := telemetry.StartSpan(ctx, "resolver", "resolver.resolve")
	defer span.End()

	uris := ExtractTrackURIs(text)
	tracks := make([]models.Track, 0, len(uris))
	for _, uri := range uris {
		track, ok := r.lookup(ctx, uri)
		if ok {
			tracks = append(tracks, *track)
		}
	}

	telemetry.AddSpanAttributes(span, map[string]any{
		"resolver.uris":   len(uris),
		"resolver.tracks": len(tracks),
	})
	return tracks
}

func (r *Resolver) lookup(ctx context.Context, uri string) (*models.Track, bool) {
	if track, ok := r.cache.GetTrack(ctx, uri); ok {
		return track, true
	}

	track, err := r.catalog.Lookup(ctx, uri)
	if err != nil {
		r.logger.Warn().Err(err).Str("uri", uri).Msg("track lookup failed, skipping")
		return nil, false
	}

	if err := r.cache.SetTrack(ctx, uri, track); err != nil {
		r.logger.Debug().Err(err).Str("uri", uri).Msg("failed to cache track")
	}
	return track, true
}
