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
)

// MemoryTransport is an in-process broker with the same delivery rules as
// the NATS transport: point-to-point queues buffer until acked and redeliver
// on nak, fanout channels copy to every live subscription and drop messages
// nobody listens for.
type MemoryTransport struct {
	// RedeliveryDelay is how long a nakked message waits before redelivery.
	RedeliveryDelay time.Duration
	// FailConnect makes Connect fail, for startup error paths.
	FailConnect error

	mu        sync.Mutex
	connected bool
	closed    chan struct{}
	kinds     map[string]Kind
	queues    map[string]*memQueue
	listeners map[string]map[*memSubscription]struct{}
}

// NewMemoryTransport creates an empty in-process broker.
func NewMemoryTransport() *MemoryTransport {
	closed := make(chan struct{})
	close(closed)
	return &MemoryTransport{
		RedeliveryDelay: 20 * time.Millisecond,
		closed:          closed,
		kinds:           make(map[string]Kind),
		queues:          make(map[string]*memQueue),
		listeners:       make(map[string]map[*memSubscription]struct{}),
	}
}

func (t *MemoryTransport) Connect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailConnect != nil {
		return t.FailConnect
	}
	t.connected = true
	t.closed = make(chan struct{})
	return nil
}

func (t *MemoryTransport) Declare(_ context.Context, ch Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrClosed
	}
	if kind, ok := t.kinds[ch.Subject]; ok && kind != ch.Kind {
		return fmt.Errorf("subject %s already declared as %s", ch.Subject, kind)
	}
	t.kinds[ch.Subject] = ch.Kind
	if ch.Kind == PointToPoint {
		if _, ok := t.queues[ch.Subject]; !ok {
			t.queues[ch.Subject] = newMemQueue()
		}
	}
	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, b Binding, fn func(*Delivery)) (Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, ErrClosed
	}
	kind, ok := t.kinds[b.Channel.Subject]
	if !ok {
		return nil, fmt.Errorf("subject %s not declared", b.Channel.Subject)
	}

	sub := &memSubscription{
		transport: t,
		subject:   b.Channel.Subject,
		fn:        fn,
		stop:      make(chan struct{}),
		inflight:  make(map[*memEnvelope]struct{}),
	}
	if kind == PointToPoint {
		sub.queue = t.queues[b.Channel.Subject]
	} else {
		// Anonymous subscriptions get a private queue that dies with them.
		sub.queue = newMemQueue()
		sub.private = true
		if t.listeners[b.Channel.Subject] == nil {
			t.listeners[b.Channel.Subject] = make(map[*memSubscription]struct{})
		}
		t.listeners[b.Channel.Subject][sub] = struct{}{}
	}

	sub.wg.Add(1)
	go sub.run()
	return sub, nil
}

func (t *MemoryTransport) Publish(_ context.Context, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrClosed
	}
	kind, ok := t.kinds[msg.Subject]
	if !ok {
		return fmt.Errorf("subject %s not declared", msg.Subject)
	}

	if kind == PointToPoint {
		t.queues[msg.Subject].push(&memEnvelope{msg: copyMessage(msg)}, false)
		return nil
	}
	for sub := range t.listeners[msg.Subject] {
		sub.queue.push(&memEnvelope{msg: copyMessage(msg)}, false)
	}
	return nil
}

func (t *MemoryTransport) Closed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	var subs []*memSubscription
	for _, set := range t.listeners {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	close(t.closed)
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	return nil
}

// Drop simulates the broker closing the connection.
func (t *MemoryTransport) Drop() {
	_ = t.Close()
}

// Pending returns the number of unconsumed messages on a point-to-point subject.
func (t *MemoryTransport) Pending(subject string) int {
	t.mu.Lock()
	q, ok := t.queues[subject]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	return q.len()
}

func (t *MemoryTransport) unlisten(sub *memSubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners[sub.subject], sub)
}

func copyMessage(msg Message) Message {
	out := Message{Subject: msg.Subject, Data: append([]byte(nil), msg.Data...)}
	if msg.Header != nil {
		out.Header = make(map[string][]string, len(msg.Header))
		for k, v := range msg.Header {
			out.Header[k] = append([]string(nil), v...)
		}
	}
	return out
}

type memEnvelope struct {
	msg      Message
	attempts int
}

type memQueue struct {
	mu    sync.Mutex
	items []*memEnvelope
	wake  chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{wake: make(chan struct{}, 1)}
}

func (q *memQueue) push(e *memEnvelope, front bool) {
	q.mu.Lock()
	if front {
		q.items = append([]*memEnvelope{e}, q.items...)
	} else {
		q.items = append(q.items, e)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *memQueue) pop() (*memEnvelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return e, true
}

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *memQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

type memSubscription struct {
	transport *MemoryTransport
	subject   string
	queue     *memQueue
	private   bool
	fn        func(*Delivery)

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	mu       sync.Mutex
	inflight map[*memEnvelope]struct{}
}

func (s *memSubscription) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		e, ok := s.queue.pop()
		if !ok {
			select {
			case <-s.queue.wake:
				continue
			case <-s.stop:
				return
			}
		}
		s.deliver(e)
	}
}

func (s *memSubscription) deliver(e *memEnvelope) {
	e.attempts++
	s.mu.Lock()
	s.inflight[e] = struct{}{}
	s.mu.Unlock()

	ack := func() error {
		s.settle(e)
		return nil
	}
	nak := func() error {
		if !s.settle(e) {
			return nil
		}
		delay := s.transport.RedeliveryDelay
		if delay <= 0 {
			s.queue.push(e, true)
			return nil
		}
		time.AfterFunc(delay, func() { s.queue.push(e, true) })
		return nil
	}

	s.fn(NewDelivery(e.msg.Subject, e.msg.Data, e.msg.Header, e.attempts, ack, nak))
}

// settle reports whether e was still in flight.
func (s *memSubscription) settle(e *memEnvelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[e]; !ok {
		return false
	}
	delete(s.inflight, e)
	return true
}

// Stop ends delivery. Unsettled point-to-point messages go back to their queue.
func (s *memSubscription) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()

		if s.private {
			s.transport.unlisten(s)
			return
		}
		s.mu.Lock()
		pending := make([]*memEnvelope, 0, len(s.inflight))
		for e := range s.inflight {
			pending = append(pending, e)
		}
		s.inflight = make(map[*memEnvelope]struct{})
		s.mu.Unlock()
		for _, e := range pending {
			s.queue.push(e, true)
		}
	})
}
