/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsSubjectPrefix = "nmstereo.events."

// NATSBus implements an event bus on core NATS subjects. Events are not
// persisted; listeners only care about what happens while they are connected.
type NATSBus struct {
	conn      *nats.Conn
	ownsConn  bool
	logger    zerolog.Logger
	nodeID    string
	local     *localSubs
	mu        sync.Mutex
	natsSubs  map[events.EventType]*nats.Subscription
	closeOnce sync.Once
}

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string
	Name  string

	// Connection options
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "nmstereo-events",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewNATSBus connects to NATS and creates an event bus.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats event bus: %w", err)
	}

	nb := NewNATSBusWithConn(conn, nodeID, logger)
	nb.ownsConn = true
	nb.logger.Info().Str("url", cfg.URL).Msg("NATS event bus initialized")
	return nb, nil
}

// NewNATSBusWithConn creates a bus on an existing connection.
func NewNATSBusWithConn(conn *nats.Conn, nodeID string, logger zerolog.Logger) *NATSBus {
	if nodeID == "" {
		nodeID = NewNodeID()
	}
	logger = logger.With().Str("component", "nats_eventbus").Logger()
	return &NATSBus{
		conn:     conn,
		logger:   logger,
		nodeID:   nodeID,
		local:    newLocalSubs(logger),
		natsSubs: make(map[events.EventType]*nats.Subscription),
	}
}

// Subscribe registers a subscriber for an event type.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	sub, _ := nb.local.add(eventType)

	nb.mu.Lock()
	defer nb.mu.Unlock()
	if _, exists := nb.natsSubs[eventType]; exists {
		return sub
	}

	natsSub, err := nb.conn.Subscribe(natsSubjectPrefix+string(eventType), func(msg *nats.Msg) {
		env, err := unmarshalEnvelope(msg.Data)
		if err != nil {
			nb.logger.Error().Err(err).Msg("failed to unmarshal NATS event")
			return
		}
		if env.NodeID == nb.nodeID {
			return
		}
		nb.local.deliver(eventType, env.Payload)
	})
	if err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("NATS subscribe failed, local delivery only")
		return sub
	}
	// Make sure the server has the interest before returning.
	if err := nb.conn.Flush(); err != nil {
		nb.logger.Warn().Err(err).Msg("NATS flush after subscribe failed")
	}
	nb.natsSubs[eventType] = natsSub
	return sub
}

// Publish sends an event payload to all subscribers (local and remote).
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.deliver(eventType, payload)

	data, err := marshalEnvelope(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal NATS event")
		return
	}
	if err := nb.conn.Publish(natsSubjectPrefix+string(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to NATS")
	}
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	if nb.local.remove(eventType, sub) > 0 {
		return
	}

	nb.mu.Lock()
	defer nb.mu.Unlock()
	if natsSub, exists := nb.natsSubs[eventType]; exists {
		_ = natsSub.Unsubscribe()
		delete(nb.natsSubs, eventType)
	}
}

// Close drops all subscriptions and the connection if the bus opened it.
func (nb *NATSBus) Close() error {
	nb.closeOnce.Do(func() {
		nb.mu.Lock()
		for eventType, natsSub := range nb.natsSubs {
			_ = natsSub.Unsubscribe()
			delete(nb.natsSubs, eventType)
		}
		nb.mu.Unlock()
		nb.local.closeAll()
		if nb.ownsConn {
			nb.conn.Close()
		}
	})
	return nil
}
