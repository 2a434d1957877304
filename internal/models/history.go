/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// HistoryEntry records one lifecycle event of a playlist item.
type HistoryEntry struct {
	ID        string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	ItemID    string         `gorm:"type:varchar(36);index:idx_history_item" json:"item_id"`
	Event     string         `gorm:"type:varchar(64);not null" json:"event"`
	Status    Status         `gorm:"type:varchar(16)" json:"status"`
	Requester string         `gorm:"type:varchar(255)" json:"requester,omitempty"`
	TrackHref string         `gorm:"type:varchar(255)" json:"track_href,omitempty"`
	Details   map[string]any `gorm:"type:text;serializer:json" json:"details,omitempty"`
	At        time.Time      `gorm:"index:idx_history_at;not null" json:"at"`
}

// TableName returns the table name for GORM.
func (HistoryEntry) TableName() string {
	return "playlist_history"
}
