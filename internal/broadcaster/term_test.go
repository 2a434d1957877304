package broadcaster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTermOverMemoryBroker(t *testing.T) {
	h := newHarness(t)
	addItem(t, h.store, "a", models.StatusNew, 120)
	addItem(t, h.store, "b", models.StatusNew, 120)

	transport := broker.NewMemoryTransport()
	session := broker.NewSession(transport, broker.DefaultTopology(), zerolog.Nop())
	topo := session.Topology()

	services := make(chan *Service, 2)
	cfg := DefaultConfig()
	cfg.Clock = h.clock
	term := Term{
		Store: h.store,
		OpenSession: func(ctx context.Context) (*broker.Session, error) {
			if err := session.Open(ctx); err != nil {
				return nil, err
			}
			return session, nil
		},
		Events: h.bus,
		Config: cfg,
		Logger: zerolog.Nop(),
		OnService: func(s *Service) {
			if s != nil {
				services <- s
			}
		},
	}

	done := make(chan error, 1)
	go func() { done <- term.Run(context.Background()) }()

	select {
	case <-services:
	case <-time.After(3 * time.Second):
		t.Fatal("term never started a service")
	}

	var (
		mu        sync.Mutex
		broadcast []string
	)
	_, err := transport.Subscribe(context.Background(), broker.Binding{Channel: topo.Broadcast}, func(d *broker.Delivery) {
		var msg models.BroadcastMessage
		if err := d.Decode(&msg); err == nil {
			mu.Lock()
			broadcast = append(broadcast, msg.ID)
			mu.Unlock()
		}
		_ = d.Ack()
	})
	if err != nil {
		t.Fatalf("subscribe broadcast: %v", err)
	}
	heard := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), broadcast...)
	}

	ctx := context.Background()
	for _, id := range []string{"a", "b", "ghost"} {
		if err := session.Publish(ctx, broker.TextMessage(topo.Receive.Subject, id)); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}
	waitFor(t, "a to be broadcast", func() bool { return len(heard()) == 1 })
	waitFor(t, "ingestion queue to drain", func() bool { return transport.Pending(topo.Receive.Subject) == 0 })
	if h.status("b") != models.StatusQueued {
		t.Fatalf("b should be queued, got %s", h.status("b"))
	}

	if err := session.Publish(ctx, broker.TextMessage(topo.Confirm.Subject, "ghost")); err != nil {
		t.Fatalf("publish ghost confirmation: %v", err)
	}
	if err := session.Publish(ctx, broker.TextMessage(topo.Confirm.Subject, "a")); err != nil {
		t.Fatalf("publish confirmation: %v", err)
	}
	waitFor(t, "a to play", func() bool { return h.status("a") == models.StatusPlaying })
	waitFor(t, "confirmation queue to drain", func() bool { return transport.Pending(topo.Confirm.Subject) == 0 })

	h.clock.Advance(121 * time.Second)
	waitFor(t, "b to be broadcast", func() bool { return len(heard()) == 2 })
	if got := heard(); got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected broadcast order %v", got)
	}

	transport.Drop()
	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrClosed) {
			t.Fatalf("expected broker closure to end the term, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("term did not stop after the broker closed")
	}
}

func TestTermFailsWhenBrokerUnreachable(t *testing.T) {
	h := newHarness(t)
	transport := broker.NewMemoryTransport()
	transport.FailConnect = errors.New("connection refused")
	session := broker.NewSession(transport, broker.DefaultTopology(), zerolog.Nop())

	term := Term{
		Store: h.store,
		OpenSession: func(ctx context.Context) (*broker.Session, error) {
			if err := session.Open(ctx); err != nil {
				return nil, err
			}
			return session, nil
		},
		Config: Config{Clock: h.clock},
		Logger: zerolog.Nop(),
	}
	if err := term.Run(context.Background()); err == nil {
		t.Fatal("expected open failure")
	}
}

type fakeElection struct {
	leader atomic.Bool
	ch     chan bool
}

func newFakeElection() *fakeElection { return &fakeElection{ch: make(chan bool, 4)} }

func (e *fakeElection) Start(context.Context) error { return nil }
func (e *fakeElection) Stop() error                  { return nil }
func (e *fakeElection) IsLeader() bool               { return e.leader.Load() }
func (e *fakeElection) LeaderCh() <-chan bool        { return e.ch }

func (e *fakeElection) set(v bool) {
	e.leader.Store(v)
	e.ch <- v
}

func TestLeaderAwareRunsOnlyWhileLeading(t *testing.T) {
	var running atomic.Int32
	starts := make(chan struct{}, 4)
	run := func(ctx context.Context) error {
		running.Add(1)
		starts <- struct{}{}
		<-ctx.Done()
		running.Add(-1)
		return nil
	}

	election := newFakeElection()
	la := NewLeaderAware(run, election, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := la.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if running.Load() != 0 {
		t.Fatal("follower must not run the broadcaster")
	}

	election.set(true)
	<-starts
	if running.Load() != 1 || !la.IsLeader() {
		t.Fatal("leader should run exactly one term")
	}

	election.set(false)
	waitFor(t, "term to stop", func() bool { return running.Load() == 0 })

	election.set(true)
	<-starts
	if err := la.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if running.Load() != 0 {
		t.Fatal("stop must wait for the term to end")
	}
}

func TestLeaderAwareReportsBrokerClosure(t *testing.T) {
	run := func(context.Context) error { return broker.ErrClosed }
	election := newFakeElection()
	election.leader.Store(true)

	la := NewLeaderAware(run, election, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := la.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case err := <-la.Fatal():
		if !errors.Is(err, broker.ErrClosed) {
			t.Fatalf("unexpected fatal error %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected broker closure to be reported")
	}
}
