package eventbus

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/friendsincode/nmstereo/internal/events"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func expectPayload(t *testing.T, sub events.Subscriber, key, want string) {
	t.Helper()
	select {
	case p := <-sub:
		if p[key] != want {
			t.Fatalf("expected %s=%q, got %v", key, want, p)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s=%q", key, want)
	}
}

func expectNothing(t *testing.T, sub events.Subscriber) {
	t.Helper()
	select {
	case p := <-sub:
		t.Fatalf("unexpected event %v", p)
	case <-time.After(150 * time.Millisecond):
	}
}

func newRedisPair(t *testing.T) (*RedisBus, *RedisBus) {
	t.Helper()
	mr := miniredis.RunT(t)
	mk := func(node string) *RedisBus {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bus := NewRedisBusWithClient(client, node, DefaultRedisConfig(), zerolog.Nop())
		t.Cleanup(func() {
			_ = bus.Close()
			_ = client.Close()
		})
		return bus
	}
	return mk("node-a"), mk("node-b")
}

func TestRedisBusDeliversAcrossNodes(t *testing.T) {
	a, b := newRedisPair(t)

	remote := b.Subscribe(events.EventNowPlaying)
	local := a.Subscribe(events.EventNowPlaying)

	a.Publish(events.EventNowPlaying, events.Payload{"item_id": "x"})

	expectPayload(t, remote, "item_id", "x")
	expectPayload(t, local, "item_id", "x")
	// The publisher's own subscriber must not get the Redis echo.
	expectNothing(t, local)
}

func TestRedisBusUnsubscribeStopsDelivery(t *testing.T) {
	a, b := newRedisPair(t)

	sub := b.Subscribe(events.EventQueued)
	b.Unsubscribe(events.EventQueued, sub)

	if _, ok := <-sub; ok {
		t.Fatal("expected closed subscriber")
	}
	a.Publish(events.EventQueued, events.Payload{"item_id": "y"})
}

func TestRedisBusFallsBackWithoutRedis(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 100 * time.Millisecond
	bus := NewRedisBus(cfg, "solo", zerolog.Nop())
	defer bus.Close()

	if !bus.Fallback() {
		t.Fatal("expected fallback mode")
	}
	sub := bus.Subscribe(events.EventPlayed)
	bus.Publish(events.EventPlayed, events.Payload{"item_id": "z"})
	expectPayload(t, sub, "item_id", "z")
}

func TestRedisBusReconnectsAfterFallback(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := DefaultRedisConfig()
	cfg.CheckInterval = 20 * time.Millisecond
	bus := newRedisBus(client, "node-a", cfg, true, zerolog.Nop())
	defer bus.Close()

	sub := bus.Subscribe(events.EventSent)

	deadline := time.Now().Add(3 * time.Second)
	for bus.Fallback() {
		if time.Now().After(deadline) {
			t.Fatal("bus never left fallback mode")
		}
		time.Sleep(10 * time.Millisecond)
	}

	other := NewRedisBusWithClient(client, "node-b", DefaultRedisConfig(), zerolog.Nop())
	defer other.Close()
	other.Publish(events.EventSent, events.Payload{"item_id": "r"})
	expectPayload(t, sub, "item_id", "r")
}

func runNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestNATSBusDeliversAcrossNodes(t *testing.T) {
	srv := runNATS(t)

	cfg := DefaultNATSConfig()
	cfg.URL = srv.ClientURL()
	a, err := NewNATSBus(cfg, "node-a", zerolog.Nop())
	if err != nil {
		t.Fatalf("bus a: %v", err)
	}
	defer a.Close()

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	b := NewNATSBusWithConn(conn, "node-b", zerolog.Nop())
	defer b.Close()

	remote := b.Subscribe(events.EventSent)
	local := a.Subscribe(events.EventSent)

	a.Publish(events.EventSent, events.Payload{"item_id": "s"})

	expectPayload(t, remote, "item_id", "s")
	expectPayload(t, local, "item_id", "s")
	expectNothing(t, local)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := marshalEnvelope(events.EventQueued, events.Payload{"item_id": "q"}, "n1")
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := unmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.NodeID != "n1" || env.EventType != events.EventQueued || env.MessageID == "" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if _, err := unmarshalEnvelope([]byte("{")); err == nil {
		t.Fatal("expected error for malformed envelope")
	}
}
