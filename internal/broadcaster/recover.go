/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcaster

import (
	"context"
	"fmt"
	"time"

	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/playlist"
	"github.com/rs/zerolog"
)

// RecoveryReport lists what Recover changed.
type RecoveryReport struct {
	Finished    []string
	Republished []string
}

// Recover unsticks the queue while no broadcaster runs. Every playing item
// is finished and every sent item is announced again so a stereo can confirm
// it. Statuses only move forward.
func Recover(ctx context.Context, store playlist.Store, publisher Publisher, now time.Time, logger zerolog.Logger) (RecoveryReport, error) {
	var report RecoveryReport

	playing, err := store.FindByStatus(ctx, models.StatusPlaying)
	if err != nil {
		return report, fmt.Errorf("load playing items: %w", err)
	}
	for _, item := range playing {
		if _, err := store.Transition(ctx, item.ID, models.StatusPlayed, now); err != nil {
			return report, err
		}
		report.Finished = append(report.Finished, item.ID)
		logger.Info().Str("item_id", item.ID).Msg("marked stuck item played")
	}

	sent, err := store.FindByStatus(ctx, models.StatusSent)
	if err != nil {
		return report, fmt.Errorf("load sent items: %w", err)
	}
	for i := range sent {
		if err := publisher.Publish(ctx, &sent[i]); err != nil {
			return report, fmt.Errorf("republish item %s: %w", sent[i].ID, err)
		}
		report.Republished = append(report.Republished, sent[i].ID)
		logger.Info().Str("item_id", sent[i].ID).Msg("republished sent item")
	}

	return report, nil
}
