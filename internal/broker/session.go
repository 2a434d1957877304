/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/friendsincode/nmstereo/internal/telemetry"
	"github.com/rs/zerolog"
)

// Session owns one broker connection and the subscriptions made through it.
//
// Lifecycle: disconnected -> connecting -> channel-open -> consuming -> closing -> disconnected.
// Open declares every channel of the topology before returning, so consumers
// never attach to a channel that does not exist yet.
type Session struct {
	transport Transport
	topology  Topology
	logger    zerolog.Logger

	mu     sync.Mutex
	state  State
	subs   []Subscription
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a disconnected session.
func NewSession(transport Transport, topology Topology, logger zerolog.Logger) *Session {
	done := make(chan struct{})
	close(done)
	return &Session{
		transport: transport,
		topology:  topology,
		logger:    logger.With().Str("component", "broker").Logger(),
		state:     StateDisconnected,
		done:      done,
	}
}

// Topology returns the channels this session declares.
func (s *Session) Topology() Topology {
	return s.topology
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session stops, either through Close or because
// the broker dropped the connection.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Open connects and declares the topology.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("open from %s: %w", state, ErrInvalidState)
	}
	s.setState(StateConnecting)
	s.mu.Unlock()

	if err := s.setup(ctx); err != nil {
		_ = s.transport.Close()
		s.mu.Lock()
		s.setState(StateDisconnected)
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.setState(StateChannelOpen)
	closed := s.transport.Closed()
	done := s.done
	s.mu.Unlock()

	go s.watch(closed, done)

	s.logger.Info().Int("channels", len(s.topology.Channels())).Msg("broker session open")
	return nil
}

func (s *Session) setup(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	for _, ch := range s.topology.Channels() {
		if err := s.transport.Declare(ctx, ch); err != nil {
			return fmt.Errorf("declare %s: %w", ch.Subject, err)
		}
		s.logger.Debug().Str("subject", ch.Subject).Str("kind", ch.Kind.String()).Msg("channel declared")
	}
	return nil
}

// watch turns a broker-initiated disconnect into an orderly close.
func (s *Session) watch(closed <-chan struct{}, done chan struct{}) {
	select {
	case <-closed:
		s.logger.Warn().Msg("broker closed the connection, stopping session")
		_ = s.Close()
	case <-done:
	}
}

// Consume attaches handler to the binding. Handlers of one binding run one at a time.
func (s *Session) Consume(ctx context.Context, b Binding, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Ready() {
		return fmt.Errorf("consume %s from %s: %w", b.Channel.Subject, s.state, ErrInvalidState)
	}

	base := s.ctx
	sub, err := s.transport.Subscribe(ctx, b, func(d *Delivery) {
		handler(withTrace(base, d), d)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.Channel.Subject, err)
	}
	s.subs = append(s.subs, sub)
	s.setState(StateConsuming)

	s.logger.Info().
		Str("subject", b.Channel.Subject).
		Str("durable", b.Durable).
		Msg("consuming")
	return nil
}

// Publish sends msg, carrying the trace context of ctx in its headers.
func (s *Session) Publish(ctx context.Context, msg Message) error {
	if state := s.State(); !state.Ready() {
		return fmt.Errorf("publish %s from %s: %w", msg.Subject, state, ErrInvalidState)
	}

	if msg.Header == nil {
		msg.Header = make(map[string][]string)
	}
	telemetry.InjectHeaders(ctx, msg.Header)

	if err := s.transport.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	telemetry.BrokerMessagesPublished.WithLabelValues(msg.Subject).Inc()
	return nil
}

// Close stops every subscription and the connection. Calling it again is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.state.Ready() {
		s.mu.Unlock()
		return nil
	}
	s.setState(StateClosing)
	subs := s.subs
	s.subs = nil
	cancel := s.cancel
	s.mu.Unlock()

	// Cancel first so handlers blocked on the session context return and
	// their subscriptions can stop.
	if cancel != nil {
		cancel()
	}
	for _, sub := range subs {
		sub.Stop()
	}
	err := s.transport.Close()

	s.mu.Lock()
	s.setState(StateDisconnected)
	close(s.done)
	s.mu.Unlock()

	s.logger.Info().Msg("broker session closed")
	return err
}

// setState must be called with mu held.
func (s *Session) setState(next State) {
	s.state = next
	if next == StateConsuming {
		telemetry.BrokerConnectionStatus.Set(1)
	} else {
		telemetry.BrokerConnectionStatus.Set(0)
	}
}
