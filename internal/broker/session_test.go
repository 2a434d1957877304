package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openMemorySession(t *testing.T) (*Session, *MemoryTransport) {
	t.Helper()
	transport := NewMemoryTransport()
	session := NewSession(transport, DefaultTopology(), zerolog.Nop())
	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session, transport
}

func TestSessionLifecycle(t *testing.T) {
	transport := NewMemoryTransport()
	session := NewSession(transport, DefaultTopology(), zerolog.Nop())

	if session.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", session.State())
	}
	if err := session.Publish(context.Background(), TextMessage("nmstereo.receive", "x")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state publishing while disconnected, got %v", err)
	}

	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if session.State() != StateChannelOpen {
		t.Fatalf("expected channel-open, got %s", session.State())
	}
	if err := session.Open(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected second open to fail, got %v", err)
	}

	binding := Binding{Channel: session.Topology().Receive, Durable: DurableBroadcasterReceive}
	if err := session.Consume(context.Background(), binding, func(context.Context, *Delivery) {}); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if session.State() != StateConsuming {
		t.Fatalf("expected consuming, got %s", session.State())
	}

	if err := session.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if session.State() != StateDisconnected {
		t.Fatalf("expected disconnected after close, got %s", session.State())
	}
	select {
	case <-session.Done():
	default:
		t.Fatal("expected done to be closed")
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := session.Consume(context.Background(), binding, func(context.Context, *Delivery) {}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected consume after close to fail, got %v", err)
	}
}

func TestSessionOpenFailureReturnsToDisconnected(t *testing.T) {
	transport := NewMemoryTransport()
	transport.FailConnect = errors.New("connection refused")
	session := NewSession(transport, DefaultTopology(), zerolog.Nop())

	if err := session.Open(context.Background()); err == nil {
		t.Fatal("expected open to fail")
	}
	if session.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", session.State())
	}

	transport.FailConnect = nil
	if err := session.Open(context.Background()); err != nil {
		t.Fatalf("retry open: %v", err)
	}
	_ = session.Close()
}

func TestSessionStopsWhenBrokerDrops(t *testing.T) {
	session, transport := openMemorySession(t)

	transport.Drop()

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after the broker dropped")
	}
	if session.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", session.State())
	}
}

func TestSessionPublishConsumeRoundTrip(t *testing.T) {
	session, _ := openMemorySession(t)
	topo := session.Topology()

	got := make(chan *Delivery, 1)
	err := session.Consume(context.Background(), Binding{Channel: topo.Confirm, Durable: DurableBroadcasterConfirm}, func(_ context.Context, d *Delivery) {
		_ = d.Ack()
		got <- d
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}

	if err := session.Publish(context.Background(), TextMessage(topo.Confirm.Subject, "item-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case d := <-got:
		if d.Text() != "item-1" {
			t.Fatalf("unexpected payload %q", d.Text())
		}
		if ct := d.Header[HeaderContentType]; len(ct) == 0 || ct[0] != ContentTypeText {
			t.Fatalf("unexpected content type %v", ct)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestStreamName(t *testing.T) {
	if got := StreamName("nmstereo.receive"); got != "NMSTEREO_RECEIVE" {
		t.Fatalf("got %q", got)
	}
	if got := StreamName("my-app.broadcast"); got != "MY_APP_BROADCAST" {
		t.Fatalf("got %q", got)
	}
}
