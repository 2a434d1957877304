/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/nmstereo/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.PlaylistItem{},
		&models.HistoryEntry{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := applySingleStatusGuards(database); err != nil {
		return err
	}

	return nil
}

// singleStatuses may each be held by at most one item.
var singleStatuses = []string{"sent", "playing"}

// applySingleStatusGuards adds partial unique indexes so at most one row holds
// each of the sent and playing statuses. MySQL has no partial indexes and
// relies on the locking reads in the store's MarkSent.
func applySingleStatusGuards(database *gorm.DB) error {
	switch database.Dialector.Name() {
	case "postgres", "sqlite":
	default:
		return nil
	}

	for _, status := range singleStatuses {
		stmt := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_playlist_items_single_%s
ON playlist_items (status) WHERE status = '%s'`, status, status)
		if err := database.Exec(stmt).Error; err != nil {
			return fmt.Errorf("apply single %s guard: %w", status, err)
		}
	}
	return nil
}
