/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logbuffer keeps the most recent log lines of a process in memory
// so operators can inspect them over the ops HTTP surface.
package logbuffer

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 2000

// Entry is one parsed log line.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Component string         `json:"component,omitempty"`
	ItemID    string         `json:"item_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Buffer is a fixed size ring of entries, safe for concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	head     int
	count    int
}

// New creates a buffer holding at most capacity entries.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// Add appends an entry, evicting the oldest when full.
func (b *Buffer) Add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}
}

// snapshot returns entries oldest first.
func (b *Buffer) snapshot() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Entry, b.count)
	start := 0
	if b.count == b.capacity {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		out[i] = b.entries[(start+i)%b.capacity]
	}
	return out
}

// Query filters buffered entries. Zero values match everything.
type Query struct {
	Level     string
	Component string
	ItemID    string
	Search    string
	Since     time.Time
	Limit     int
}

// Find returns matching entries newest first, at most q.Limit of them.
func (b *Buffer) Find(q Query) []Entry {
	all := b.snapshot()
	search := strings.ToLower(q.Search)

	out := make([]Entry, 0)
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if q.Level != "" && e.Level != q.Level {
			continue
		}
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		if q.ItemID != "" && e.ItemID != q.ItemID {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.Message), search) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// Stats summarises the buffer.
type Stats struct {
	Capacity int            `json:"capacity"`
	Count    int            `json:"count"`
	Levels   map[string]int `json:"levels"`
}

func (b *Buffer) Stats() Stats {
	all := b.snapshot()
	stats := Stats{Capacity: b.capacity, Count: len(all), Levels: make(map[string]int)}
	for _, e := range all {
		stats.Levels[e.Level]++
	}
	return stats
}

// Writer feeds zerolog JSON lines into a Buffer. Lines that are not JSON,
// such as console output, are ignored.
type Writer struct {
	buffer *Buffer
}

// NewWriter returns an io.Writer for logging.SetupWithWriter.
func NewWriter(buffer *Buffer) *Writer {
	return &Writer{buffer: buffer}
}

func (w *Writer) Write(p []byte) (int, error) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return len(p), nil
	}

	entry := Entry{Timestamp: time.Now().UTC(), Fields: make(map[string]any)}
	if v, ok := raw["level"].(string); ok {
		entry.Level = v
	}
	if v, ok := raw["message"].(string); ok {
		entry.Message = v
	}
	if v, ok := raw["component"].(string); ok {
		entry.Component = v
	}
	if v, ok := raw["item_id"].(string); ok {
		entry.ItemID = v
	}
	switch ts := raw["time"].(type) {
	case float64:
		entry.Timestamp = time.Unix(int64(ts), 0).UTC()
	case string:
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = t.UTC()
		}
	}
	for k, v := range raw {
		switch k {
		case "level", "message", "component", "item_id", "time":
		default:
			entry.Fields[k] = v
		}
	}

	w.buffer.Add(entry)
	return len(p), nil
}
