package broker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func declaredMemory(t *testing.T) *MemoryTransport {
	t.Helper()
	transport := NewMemoryTransport()
	transport.RedeliveryDelay = 0
	ctx := context.Background()
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	for _, ch := range DefaultTopology().Channels() {
		if err := transport.Declare(ctx, ch); err != nil {
			t.Fatalf("declare %s: %v", ch.Subject, err)
		}
	}
	t.Cleanup(func() { _ = transport.Close() })
	return transport
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return ""
	}
}

func TestMemoryPointToPointBuffersUntilConsumed(t *testing.T) {
	transport := declaredMemory(t)
	ctx := context.Background()
	receiveCh := DefaultTopology().Receive

	for _, id := range []string{"a", "b", "c"} {
		if err := transport.Publish(ctx, TextMessage(receiveCh.Subject, id)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if n := transport.Pending(receiveCh.Subject); n != 3 {
		t.Fatalf("expected 3 pending, got %d", n)
	}

	got := make(chan string, 3)
	sub, err := transport.Subscribe(ctx, Binding{Channel: receiveCh, Durable: "test"}, func(d *Delivery) {
		_ = d.Ack()
		got <- d.Text()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	for _, want := range []string{"a", "b", "c"} {
		if v := receive(t, got); v != want {
			t.Fatalf("expected %s, got %s", want, v)
		}
	}
}

func TestMemoryNakRedelivers(t *testing.T) {
	transport := declaredMemory(t)
	receiveCh := DefaultTopology().Receive

	got := make(chan string, 4)
	sub, err := transport.Subscribe(context.Background(), Binding{Channel: receiveCh, Durable: "test"}, func(d *Delivery) {
		if d.Attempt == 1 {
			_ = d.Nak()
		} else {
			_ = d.Ack()
		}
		got <- d.Text()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	if err := transport.Publish(context.Background(), TextMessage(receiveCh.Subject, "x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	receive(t, got)
	receive(t, got)
	select {
	case v := <-got:
		t.Fatalf("unexpected third delivery %q", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryUnsettledRequeuedOnStop(t *testing.T) {
	transport := declaredMemory(t)
	receiveCh := DefaultTopology().Receive
	ctx := context.Background()

	first := make(chan string, 1)
	sub, err := transport.Subscribe(ctx, Binding{Channel: receiveCh, Durable: "test"}, func(d *Delivery) {
		first <- d.Text()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := transport.Publish(ctx, TextMessage(receiveCh.Subject, "x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	receive(t, first)
	sub.Stop()

	second := make(chan string, 1)
	sub2, err := transport.Subscribe(ctx, Binding{Channel: receiveCh, Durable: "test"}, func(d *Delivery) {
		_ = d.Ack()
		second <- d.Text()
	})
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	defer sub2.Stop()
	if v := receive(t, second); v != "x" {
		t.Fatalf("expected redelivery of x, got %q", v)
	}
}

func TestMemoryFanoutCopiesToEverySubscriber(t *testing.T) {
	transport := declaredMemory(t)
	ctx := context.Background()
	broadcast := DefaultTopology().Broadcast

	// Published before anyone listens: dropped.
	if err := transport.Publish(ctx, TextMessage(broadcast.Subject, "early")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var mu sync.Mutex
	counts := map[int][]string{}
	chans := []chan string{make(chan string, 2), make(chan string, 2)}
	for i := range chans {
		i := i
		sub, err := transport.Subscribe(ctx, Binding{Channel: broadcast}, func(d *Delivery) {
			_ = d.Ack()
			mu.Lock()
			counts[i] = append(counts[i], d.Text())
			mu.Unlock()
			chans[i] <- d.Text()
		})
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer sub.Stop()
	}

	if err := transport.Publish(ctx, TextMessage(broadcast.Subject, "x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i := range chans {
		if v := receive(t, chans[i]); v != "x" {
			t.Fatalf("subscriber %d got %q", i, v)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range counts {
		if len(got) != 1 {
			t.Fatalf("subscriber %d got %v", i, got)
		}
	}
}

func TestMemoryRejectsUndeclaredSubject(t *testing.T) {
	transport := declaredMemory(t)
	if err := transport.Publish(context.Background(), TextMessage("unknown", "x")); err == nil {
		t.Fatal("expected publish to undeclared subject to fail")
	}
}

func TestDeliverySettlesOnce(t *testing.T) {
	acks, naks := 0, 0
	d := NewDelivery("s", []byte("x"), nil, 1,
		func() error { acks++; return nil },
		func() error { naks++; return nil })

	_ = d.Ack()
	_ = d.Nak()
	_ = d.Ack()
	if acks != 1 || naks != 0 || !d.Settled() {
		t.Fatalf("expected a single ack, got acks=%d naks=%d", acks, naks)
	}
}

func TestJSONMessage(t *testing.T) {
	msg, err := JSONMessage("nmstereo.broadcast", map[string]string{"id": "x"})
	if err != nil {
		t.Fatalf("json message: %v", err)
	}
	if msg.ContentType() != ContentTypeJSON {
		t.Fatalf("unexpected content type %q", msg.ContentType())
	}

	var decoded map[string]string
	d := NewDelivery(msg.Subject, msg.Data, msg.Header, 1, nil, nil)
	if err := d.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["id"] != "x" {
		t.Fatalf("unexpected payload %v", decoded)
	}
}
