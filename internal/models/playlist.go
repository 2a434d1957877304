/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle stage of a playlist item.
type Status string

const (
	StatusNew     Status = "new"
	StatusQueued  Status = "queued"
	StatusSent    Status = "sent"
	StatusPlaying Status = "playing"
	StatusPlayed  Status = "played"
)

// statusRank orders statuses along the only legal path.
var statusRank = map[Status]int{
	StatusNew:     0,
	StatusQueued:  1,
	StatusSent:    2,
	StatusPlaying: 3,
	StatusPlayed:  4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal single step.
func (s Status) CanTransition(next Status) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to == from+1
}

// Before reports whether s comes strictly earlier in the lifecycle than other.
func (s Status) Before(other Status) bool {
	return statusRank[s] < statusRank[other]
}

// ParseStatus converts a raw string into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown playlist status %q", raw)
	}
	return s, nil
}

// Source tags where a request came from.
const (
	SourceCLI     = "cli"
	SourceTwitter = "twitter"
)

// Requester identifies who asked for a track.
type Requester struct {
	ID         string `json:"id,omitempty"`
	ScreenName string `json:"screen_name"`
	Name       string `json:"name,omitempty"`
}

// Artist is a performer credited on a track.
type Artist struct {
	Name string `json:"name"`
	Href string `json:"href,omitempty"`
}

// Album is the release a track belongs to.
type Album struct {
	Name     string `json:"name"`
	Href     string `json:"href,omitempty"`
	Released string `json:"released,omitempty"`
}

// Track is catalog metadata for a playable track. Length is in seconds.
type Track struct {
	Href    string   `json:"href"`
	Name    string   `json:"name"`
	Length  float64  `json:"length"`
	Artists []Artist `json:"artists,omitempty"`
	Album   Album    `json:"album"`
}

// Duration returns the track length as a time.Duration.
func (t Track) Duration() time.Duration {
	if t.Length <= 0 {
		return 0
	}
	return time.Duration(t.Length * float64(time.Second))
}

// PlaylistItem is a single request moving through the broadcast pipeline.
type PlaylistItem struct {
	ID        string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	Track     Track      `gorm:"type:text;serializer:json" json:"track"`
	Source    string     `gorm:"type:varchar(32)" json:"source"`
	From      Requester  `gorm:"column:requester;type:text;serializer:json" json:"from"`
	Status    Status     `gorm:"type:varchar(16);index" json:"status"`
	StartDate *time.Time `json:"start_date,omitempty"`
	CreatedAt time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ExpiresAt returns when a playing item is expected to finish.
func (p *PlaylistItem) ExpiresAt() (time.Time, bool) {
	if p.StartDate == nil {
		return time.Time{}, false
	}
	return p.StartDate.Add(p.Track.Duration()), true
}

// Expired reports whether the item started playing and its track length has elapsed before now.
func (p *PlaylistItem) Expired(now time.Time) bool {
	ends, ok := p.ExpiresAt()
	if !ok {
		return false
	}
	return ends.Before(now)
}
