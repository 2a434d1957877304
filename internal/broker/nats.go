/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string
	Name  string

	ReconnectWait time.Duration
	// AckWait bounds how long a delivery may stay unsettled before redelivery.
	AckWait time.Duration
	// InactiveThreshold removes anonymous fanout consumers after their client goes away.
	InactiveThreshold time.Duration
	// Replicas for stream storage in clustered deployments.
	Replicas int
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               nats.DefaultURL,
		Name:              "nmstereo",
		ReconnectWait:     2 * time.Second,
		AckWait:           30 * time.Second,
		InactiveThreshold: 30 * time.Second,
		Replicas:          1,
	}
}

// NATSTransport maps channels onto JetStream streams. Point-to-point
// channels are work-queue streams with a shared durable consumer; fanout
// channels are interest streams with one ephemeral consumer per subscriber.
type NATSTransport struct {
	cfg    NATSConfig
	logger zerolog.Logger

	mu     sync.Mutex
	nc     *nats.Conn
	js     jetstream.JetStream
	closed chan struct{}
}

// NewNATSTransport creates an unconnected transport.
func NewNATSTransport(cfg NATSConfig, logger zerolog.Logger) *NATSTransport {
	closed := make(chan struct{})
	close(closed)
	return &NATSTransport{
		cfg:    cfg,
		logger: logger.With().Str("component", "nats").Logger(),
		closed: closed,
	}
}

func (t *NATSTransport) Connect(ctx context.Context) error {
	closed := make(chan struct{})
	var once sync.Once

	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			once.Do(func() { close(closed) })
		}),
	}
	if t.cfg.Token != "" {
		opts = append(opts, nats.Token(t.cfg.Token))
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	nc, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect %s: %w", t.cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream: %w", err)
	}

	t.mu.Lock()
	t.nc = nc
	t.js = js
	t.closed = closed
	t.mu.Unlock()

	t.logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to nats")
	return nil
}

func (t *NATSTransport) jetStream() (jetstream.JetStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.js == nil {
		return nil, ErrClosed
	}
	return t.js, nil
}

// Declare creates or updates the stream backing ch. Streams use file
// storage so queued messages survive a broker restart.
func (t *NATSTransport) Declare(ctx context.Context, ch Channel) error {
	js, err := t.jetStream()
	if err != nil {
		return err
	}

	cfg := jetstream.StreamConfig{
		Name:     ch.Stream(),
		Subjects: []string{ch.Subject},
		Storage:  jetstream.FileStorage,
		Replicas: t.cfg.Replicas,
	}
	if ch.Kind == Fanout {
		cfg.Retention = jetstream.InterestPolicy
	} else {
		cfg.Retention = jetstream.WorkQueuePolicy
	}

	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

func (t *NATSTransport) Subscribe(ctx context.Context, b Binding, fn func(*Delivery)) (Subscription, error) {
	js, err := t.jetStream()
	if err != nil {
		return nil, err
	}

	stream, err := js.Stream(ctx, b.Channel.Stream())
	if err != nil {
		return nil, fmt.Errorf("lookup stream %s: %w", b.Channel.Stream(), err)
	}

	cc := jetstream.ConsumerConfig{
		Durable:       b.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       t.cfg.AckWait,
		FilterSubject: b.Channel.Subject,
	}

	var consumer jetstream.Consumer
	if b.Durable == "" {
		cc.DeliverPolicy = jetstream.DeliverNewPolicy
		cc.InactiveThreshold = t.cfg.InactiveThreshold
		consumer, err = stream.CreateConsumer(ctx, cc)
	} else {
		consumer, err = stream.CreateOrUpdateConsumer(ctx, cc)
	}
	if err != nil {
		return nil, fmt.Errorf("create consumer on %s: %w", b.Channel.Stream(), err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		fn(NewDelivery(msg.Subject(), msg.Data(), msg.Headers(), attempt, msg.Ack, msg.Nak))
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		t.logger.Warn().Err(err).Str("subject", b.Channel.Subject).Msg("consume error")
	}))
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", b.Channel.Subject, err)
	}

	return natsSubscription{cons}, nil
}

// Publish waits for the stream to store the message before returning.
func (t *NATSTransport) Publish(ctx context.Context, msg Message) error {
	js, err := t.jetStream()
	if err != nil {
		return err
	}

	out := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Data,
		Header:  nats.Header(msg.Header),
	}
	if _, err := js.PublishMsg(ctx, out); err != nil {
		return err
	}
	return nil
}

func (t *NATSTransport) Closed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close drops the connection. Unacked deliveries are redelivered to the next consumer.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	nc := t.nc
	t.nc = nil
	t.js = nil
	t.mu.Unlock()

	if nc == nil {
		return nil
	}
	nc.Close()
	return nil
}

type natsSubscription struct {
	cons jetstream.ConsumeContext
}

func (s natsSubscription) Stop() {
	s.cons.Stop()
}
