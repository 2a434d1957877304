package broadcaster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/friendsincode/nmstereo/internal/events"
	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/friendsincode/nmstereo/internal/playlist"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due timers in order on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// armed counts timers that have neither fired nor been stopped.
func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakePublisher struct {
	mu    sync.Mutex
	ids   []string
	fails int
}

func (p *fakePublisher) Publish(_ context.Context, item *models.PlaylistItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fails > 0 {
		p.fails--
		return errors.New("broker unavailable")
	}
	p.ids = append(p.ids, item.ID)
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ids...)
}

type fakeNotifier struct {
	items chan models.PlaylistItem
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{items: make(chan models.PlaylistItem, 16)}
}

func (n *fakeNotifier) NowPlaying(_ context.Context, item models.PlaylistItem) error {
	n.items <- item
	return nil
}

func newTestStore(t *testing.T) *playlist.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&models.PlaylistItem{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return playlist.NewGormStore(db)
}

func addItem(t *testing.T, store playlist.Store, id string, status models.Status, length float64) *models.PlaylistItem {
	t.Helper()
	item := &models.PlaylistItem{
		ID:     id,
		Track:  models.Track{Href: "spotify:track:" + id, Name: "track " + id, Length: length},
		Source: models.SourceCLI,
		From:   models.Requester{ScreenName: "tester"},
		Status: status,
	}
	if err := store.Save(context.Background(), item); err != nil {
		t.Fatalf("save %s: %v", id, err)
	}
	// Keep creation order deterministic.
	time.Sleep(2 * time.Millisecond)
	return item
}

type harness struct {
	t         *testing.T
	store     *playlist.GormStore
	clock     *fakeClock
	publisher *fakePublisher
	notifier  *fakeNotifier
	bus       *events.Bus
	service   *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		t:         t,
		store:     newTestStore(t),
		clock:     newFakeClock(),
		publisher: &fakePublisher{},
		notifier:  newFakeNotifier(),
		bus:       events.NewBus(),
	}
}

func (h *harness) start() *Service {
	h.t.Helper()
	cfg := DefaultConfig()
	cfg.Clock = h.clock
	h.service = New(h.store, h.publisher, h.notifier, h.bus, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go h.service.Run(ctx)
	h.t.Cleanup(func() {
		cancel()
		<-h.service.Done()
	})
	return h.service
}

func (h *harness) status(id string) models.Status {
	h.t.Helper()
	item, err := h.store.FindOne(context.Background(), id)
	if err != nil {
		h.t.Fatalf("find %s: %v", id, err)
	}
	return item.Status
}

// checkSingleSlot asserts that at most one item is sent or playing.
func (h *harness) checkSingleSlot() {
	h.t.Helper()
	busy, err := h.store.FindByAnyStatus(context.Background(), models.StatusSent, models.StatusPlaying)
	if err != nil {
		h.t.Fatalf("find busy: %v", err)
	}
	if len(busy) > 1 {
		h.t.Fatalf("expected at most one sent or playing item, got %d", len(busy))
	}
}

func (h *harness) must(err error) {
	h.t.Helper()
	if err != nil {
		h.t.Fatalf("unexpected error: %v", err)
	}
}

func zeroLogger() zerolog.Logger { return zerolog.Nop() }
