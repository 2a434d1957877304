package broadcaster

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/playlist"
)

func TestItemsPlayInArrivalOrderOneAtATime(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		addItem(t, h.store, id, models.StatusNew, 180)
	}
	s := h.start()

	for _, id := range []string{"a", "b", "c"} {
		h.must(s.OnIngested(ctx, id))
		h.must(s.EvaluateAdvance(ctx))
		h.checkSingleSlot()
	}
	if got := h.publisher.published(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected only a to be sent, got %v", got)
	}
	if h.status("b") != models.StatusQueued || h.status("c") != models.StatusQueued {
		t.Fatal("b and c should wait in the queue")
	}

	for i, id := range []string{"a", "b", "c"} {
		h.must(s.OnConfirmed(ctx, id))
		h.checkSingleSlot()
		if h.status(id) != models.StatusPlaying {
			t.Fatalf("%s should be playing", id)
		}
		h.clock.Advance(181 * time.Second)
		h.checkSingleSlot()
		if i == 2 {
			// Nothing is waiting, so the last item is left playing.
			break
		}
		if h.status(id) != models.StatusPlayed {
			t.Fatalf("%s should be played after its length", id)
		}
		if got := len(h.publisher.published()); got != i+2 {
			t.Fatalf("expected %d broadcasts after %s expired, got %d", i+2, id, got)
		}
	}

	if got := h.publisher.published(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected broadcast order %v", got)
	}
	queue, err := s.Queue(ctx)
	h.must(err)
	if len(queue) != 0 {
		t.Fatalf("expected empty queue, got %d", len(queue))
	}
}

func TestEvaluateAdvanceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addItem(t, h.store, "a", models.StatusNew, 120)
	addItem(t, h.store, "b", models.StatusNew, 120)
	s := h.start()

	h.must(s.OnIngested(ctx, "a"))
	h.must(s.OnIngested(ctx, "b"))
	for i := 0; i < 5; i++ {
		h.must(s.EvaluateAdvance(ctx))
	}
	if got := h.publisher.published(); len(got) != 1 {
		t.Fatalf("repeated evaluation sent %v", got)
	}
	h.checkSingleSlot()
}

func TestExpiredPlayingItemIsReplaced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addItem(t, h.store, "x", models.StatusNew, 180)
	addItem(t, h.store, "y", models.StatusNew, 60)
	s := h.start()

	h.must(s.OnIngested(ctx, "x"))
	h.must(s.EvaluateAdvance(ctx))
	h.must(s.OnConfirmed(ctx, "x"))

	h.must(s.OnIngested(ctx, "y"))
	h.must(s.EvaluateAdvance(ctx))
	if h.status("y") != models.StatusQueued {
		t.Fatal("y must wait while x plays")
	}

	h.clock.Advance(60 * time.Second)
	h.must(s.EvaluateAdvance(ctx))
	if h.status("y") != models.StatusQueued {
		t.Fatal("y must still wait one minute in")
	}

	h.clock.Advance(121 * time.Second)
	if h.status("x") != models.StatusPlayed {
		t.Fatalf("x should be played, got %s", h.status("x"))
	}
	if h.status("y") != models.StatusSent {
		t.Fatalf("y should be sent, got %s", h.status("y"))
	}
	h.checkSingleSlot()
}

func TestSentItemBlocksUntilConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addItem(t, h.store, "a", models.StatusNew, 10)
	addItem(t, h.store, "b", models.StatusNew, 10)
	s := h.start()

	h.must(s.OnIngested(ctx, "a"))
	h.must(s.OnIngested(ctx, "b"))
	h.must(s.EvaluateAdvance(ctx))

	// Nothing confirms a; time passing alone must not send b.
	h.clock.Advance(time.Hour)
	h.must(s.EvaluateAdvance(ctx))
	if h.status("b") != models.StatusQueued {
		t.Fatalf("b must wait for a's confirmation, got %s", h.status("b"))
	}
}

func TestDuplicateConfirmationRestartsPlayback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addItem(t, h.store, "a", models.StatusNew, 100)
	addItem(t, h.store, "b", models.StatusNew, 100)
	s := h.start()

	h.must(s.OnIngested(ctx, "a"))
	h.must(s.OnIngested(ctx, "b"))
	h.must(s.EvaluateAdvance(ctx))
	h.must(s.OnConfirmed(ctx, "a"))

	h.clock.Advance(90 * time.Second)
	h.must(s.OnConfirmed(ctx, "a"))
	if h.status("a") != models.StatusPlaying {
		t.Fatal("duplicate confirmation must keep a playing")
	}
	if h.clock.armed() != 1 {
		t.Fatalf("expected a single armed expiry timer, got %d", h.clock.armed())
	}

	// The original expiry would have fired here.
	h.clock.Advance(20 * time.Second)
	if h.status("b") != models.StatusQueued {
		t.Fatal("restarted playback should delay b")
	}
	h.clock.Advance(81 * time.Second)
	if h.status("a") != models.StatusPlayed || h.status("b") != models.StatusSent {
		t.Fatalf("expected a played and b sent, got %s and %s", h.status("a"), h.status("b"))
	}
}

func TestConfirmationNeverMovesStatusBackward(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addItem(t, h.store, "queued", models.StatusQueued, 60)
	addItem(t, h.store, "played", models.StatusPlayed, 60)
	addItem(t, h.store, "fresh", models.StatusNew, 60)
	s := h.start()

	for id, want := range map[string]models.Status{
		"queued": models.StatusQueued,
		"played": models.StatusPlayed,
		"fresh":  models.StatusNew,
	} {
		h.must(s.OnConfirmed(ctx, id))
		if got := h.status(id); got != want {
			t.Fatalf("confirmation moved %s from %s to %s", id, want, got)
		}
	}
}

func TestUnknownItemsAreReported(t *testing.T) {
	h := newHarness(t)
	s := h.start()
	ctx := context.Background()

	if err := s.OnConfirmed(ctx, "ghost"); !errors.Is(err, playlist.ErrNotFound) {
		t.Fatalf("expected not found on confirm, got %v", err)
	}
	if err := s.OnIngested(ctx, "ghost"); !errors.Is(err, playlist.ErrNotFound) {
		t.Fatalf("expected not found on ingest, got %v", err)
	}
}

func TestOnIngestedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addItem(t, h.store, "a", models.StatusNew, 60)
	addItem(t, h.store, "b", models.StatusNew, 60)
	s := h.start()
	queued := h.bus.Subscribe(events.EventQueued)

	h.must(s.OnIngested(ctx, "a"))
	h.must(s.OnIngested(ctx, "a"))
	h.must(s.OnIngested(ctx, "b"))

	queue, err := s.Queue(ctx)
	h.must(err)
	if len(queue) != 2 || queue[0].ID != "a" || queue[1].ID != "b" {
		t.Fatalf("unexpected queue %+v", queue)
	}
	if len(queued) != 2 {
		t.Fatalf("expected two queued events, got %d", len(queued))
	}

	// An item that already moved on is not queued again.
	h.must(s.EvaluateAdvance(ctx))
	h.must(s.OnIngested(ctx, "a"))
	queue, err = s.Queue(ctx)
	h.must(err)
	if len(queue) != 1 || queue[0].ID != "b" {
		t.Fatalf("sent item came back into the queue: %+v", queue)
	}
}

func TestLoadRestoresQueueAndTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	playing := addItem(t, h.store, "p", models.StatusSent, 30)
	if _, err := h.store.Transition(ctx, playing.ID, models.StatusPlaying, h.clock.Now().Add(-10*time.Second)); err != nil {
		t.Fatalf("seed playing: %v", err)
	}
	addItem(t, h.store, "q1", models.StatusQueued, 30)
	addItem(t, h.store, "q2", models.StatusQueued, 30)
	addItem(t, h.store, "n", models.StatusNew, 30)

	s := h.start()
	h.must(s.Load(ctx))

	queue, err := s.Queue(ctx)
	h.must(err)
	if len(queue) != 2 || queue[0].ID != "q1" || queue[1].ID != "q2" {
		t.Fatalf("unexpected restored queue %+v", queue)
	}
	h.must(s.EvaluateAdvance(ctx))
	if len(h.publisher.published()) != 0 {
		t.Fatal("nothing may be sent while p still plays")
	}

	h.clock.Advance(21 * time.Second)
	if h.status("p") != models.StatusPlayed || h.status("q1") != models.StatusSent {
		t.Fatalf("expected p played and q1 sent, got %s and %s", h.status("p"), h.status("q1"))
	}
}

func TestLoadCollapsesSeveralPlayingItems(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i, id := range []string{"old", "new"} {
		addItem(t, h.store, id, models.StatusSent, 600)
		start := h.clock.Now().Add(time.Duration(i-2) * time.Minute)
		if _, err := h.store.Transition(ctx, id, models.StatusPlaying, start); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	s := h.start()
	h.must(s.Load(ctx))

	if h.status("old") != models.StatusPlayed || h.status("new") != models.StatusPlaying {
		t.Fatalf("expected only the latest to keep playing, got %s and %s", h.status("old"), h.status("new"))
	}
	h.checkSingleSlot()
}

func TestLoadRepublishesSentItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addItem(t, h.store, "s", models.StatusSent, 60)

	s := h.start()
	h.must(s.Load(ctx))
	h.must(s.EvaluateAdvance(ctx))

	if got := h.publisher.published(); !reflect.DeepEqual(got, []string{"s"}) {
		t.Fatalf("expected the sent item to be announced again, got %v", got)
	}
	h.must(s.EvaluateAdvance(ctx))
	if len(h.publisher.published()) != 1 {
		t.Fatal("sent item must be republished once")
	}
}

func TestFailedPublishIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addItem(t, h.store, "a", models.StatusNew, 60)
	h.publisher.fails = 1
	s := h.start()

	h.must(s.OnIngested(ctx, "a"))
	if err := s.EvaluateAdvance(ctx); err == nil {
		t.Fatal("expected publish failure to surface")
	}
	if h.status("a") != models.StatusSent {
		t.Fatalf("a keeps its sent claim, got %s", h.status("a"))
	}

	h.must(s.EvaluateAdvance(ctx))
	if got := h.publisher.published(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("expected retry to publish a, got %v", got)
	}
}

func TestNowPlayingNotifiesAndEmits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addItem(t, h.store, "a", models.StatusNew, 60)
	s := h.start()
	sent := h.bus.Subscribe(events.EventSent)

	h.must(s.OnIngested(ctx, "a"))
	h.must(s.EvaluateAdvance(ctx))
	h.must(s.OnNowPlaying(ctx, "a"))

	select {
	case item := <-h.notifier.items:
		if item.ID != "a" || item.Status != models.StatusPlaying || item.StartDate == nil {
			t.Fatalf("unexpected notification %+v", item)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected now playing notification")
	}
	select {
	case p := <-sent:
		if p["item_id"] != "a" {
			t.Fatalf("unexpected sent payload %v", p)
		}
	default:
		t.Fatal("expected sent event")
	}
}

func TestCommandsFailAfterStop(t *testing.T) {
	h := newHarness(t)
	s := New(h.store, h.publisher, nil, nil, Config{Clock: h.clock}, zeroLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	cancel()
	<-s.Done()

	if err := s.EvaluateAdvance(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
