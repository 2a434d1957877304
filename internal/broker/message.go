/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/friendsincode/nmstereo/internal/telemetry"
)

const (
	HeaderContentType = "Content-Type"

	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
)

// Message is an outgoing broker message.
type Message struct {
	Subject string
	Data    []byte
	Header  map[string][]string
}

// ContentType returns the Content-Type header value.
func (m Message) ContentType() string {
	if v := m.Header[HeaderContentType]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// JSONMessage encodes v as an application/json message.
func JSONMessage(subject string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s message: %w", subject, err)
	}
	return Message{
		Subject: subject,
		Data:    data,
		Header:  map[string][]string{HeaderContentType: {ContentTypeJSON}},
	}, nil
}

// TextMessage wraps a raw string such as an item id.
func TextMessage(subject, text string) Message {
	return Message{
		Subject: subject,
		Data:    []byte(text),
		Header:  map[string][]string{HeaderContentType: {ContentTypeText}},
	}
}

// Delivery is a received message that must be settled with Ack or Nak.
type Delivery struct {
	Subject string
	Data    []byte
	Header  map[string][]string
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int

	ack func() error
	nak func() error

	mu      sync.Mutex
	settled bool
}

// NewDelivery builds a delivery settled through the given callbacks.
func NewDelivery(subject string, data []byte, header map[string][]string, attempt int, ack, nak func() error) *Delivery {
	return &Delivery{
		Subject: subject,
		Data:    data,
		Header:  header,
		Attempt: attempt,
		ack:     ack,
		nak:     nak,
	}
}

// Text returns the payload as a string.
func (d *Delivery) Text() string {
	return string(d.Data)
}

// Decode unmarshals a JSON payload.
func (d *Delivery) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s message: %w", d.Subject, err)
	}
	return nil
}

// Ack confirms processing. Settling twice is a no-op.
func (d *Delivery) Ack() error {
	return d.settle("ack", d.ack)
}

// Nak asks the broker to redeliver the message.
func (d *Delivery) Nak() error {
	return d.settle("nak", d.nak)
}

// Settled reports whether Ack or Nak has been called.
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *Delivery) settle(outcome string, fn func() error) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return nil
	}
	d.settled = true
	d.mu.Unlock()

	telemetry.BrokerMessagesConsumed.WithLabelValues(d.Subject, outcome).Inc()
	if fn == nil {
		return nil
	}
	return fn()
}

// Handler processes one delivery. The context is cancelled when the session closes.
type Handler func(ctx context.Context, d *Delivery)

// Subscription is a live consumer.
type Subscription interface {
	Stop()
}

// Transport is a broker connection able to declare channels, publish, and subscribe.
type Transport interface {
	Connect(ctx context.Context) error
	Declare(ctx context.Context, ch Channel) error
	Subscribe(ctx context.Context, b Binding, fn func(*Delivery)) (Subscription, error)
	Publish(ctx context.Context, msg Message) error
	// Closed is closed once the connection is gone for good.
	Closed() <-chan struct{}
	Close() error
}

func withTrace(ctx context.Context, d *Delivery) context.Context {
	return telemetry.ExtractHeaders(ctx, d.Header)
}
