/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus carries playlist events between nmstereo processes so
// that every replica's live listeners see what the broadcaster leader does.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Bus is the surface shared by the in-process and distributed buses.
type Bus interface {
	events.Publisher
	Subscribe(eventType events.EventType) events.Subscriber
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
}

var (
	_ Bus = (*events.Bus)(nil)
	_ Bus = (*RedisBus)(nil)
	_ Bus = (*NATSBus)(nil)
)

// envelope is the wire form of an event.
type envelope struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"`
}

func marshalEnvelope(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(envelope{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

func unmarshalEnvelope(data []byte) (*envelope, error) {
	var msg envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &msg, nil
}

// NewNodeID returns an identifier unique to this process.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "nmstereo"
	}
	return host + "-" + uuid.NewString()[:8]
}

// localSubs fans events out to subscribers in this process.
type localSubs struct {
	mu     sync.RWMutex
	subs   map[events.EventType][]events.Subscriber
	logger zerolog.Logger
}

func newLocalSubs(logger zerolog.Logger) *localSubs {
	return &localSubs{subs: make(map[events.EventType][]events.Subscriber), logger: logger}
}

// add registers a subscriber and reports whether it is the first for eventType.
func (l *localSubs) add(eventType events.EventType) (events.Subscriber, bool) {
	sub := make(events.Subscriber, 100)
	l.mu.Lock()
	defer l.mu.Unlock()
	first := len(l.subs[eventType]) == 0
	l.subs[eventType] = append(l.subs[eventType], sub)
	return sub, first
}

// remove unregisters and closes sub, returning how many subscribers remain.
func (l *localSubs) remove(eventType events.EventType, sub events.Subscriber) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	subs := l.subs[eventType]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	l.subs[eventType] = subs
	return len(subs)
}

func (l *localSubs) deliver(eventType events.EventType, payload events.Payload) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, sub := range l.subs[eventType] {
		select {
		case sub <- payload:
		default:
			l.logger.Warn().Str("event_type", string(eventType)).Msg("subscriber channel full, dropping event")
		}
	}
}

// types lists event types with at least one subscriber.
func (l *localSubs) types() []events.EventType {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]events.EventType, 0, len(l.subs))
	for eventType, subs := range l.subs {
		if len(subs) > 0 {
			out = append(out, eventType)
		}
	}
	return out
}

func (l *localSubs) closeAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for eventType, subs := range l.subs {
		for _, sub := range subs {
			close(sub)
		}
		delete(l.subs, eventType)
	}
}
