package playlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/friendsincode/nmstereo/internal/config"
	"github.com/friendsincode/nmstereo/internal/db"
	"github.com/friendsincode/nmstereo/internal/models"
)

// newMigratedStore uses the production connect and migrate path, including
// the single status indexes.
func newMigratedStore(t *testing.T) *GormStore {
	t.Helper()
	database, err := db.Connect(&config.Config{
		Environment: "test",
		DBBackend:   config.DatabaseSQLite,
		DBDSN:       fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(database) })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewGormStore(database)
}

func TestSingleSentIndexRejectsSecondSent(t *testing.T) {
	s := newMigratedStore(t)
	ctx := context.Background()
	a := saveItem(t, s, "a", models.StatusQueued)
	b := saveItem(t, s, "b", models.StatusQueued)

	if _, err := s.MarkSent(ctx, a.ID); err != nil {
		t.Fatalf("mark a sent: %v", err)
	}

	// Transition skips MarkSent's check, so only the index stands in the way.
	_, err := s.Transition(ctx, b.ID, models.StatusSent, time.Now().UTC())
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict from the sent index, got %v", err)
	}

	sent, err := s.FindByStatus(ctx, models.StatusSent)
	if err != nil {
		t.Fatalf("find sent: %v", err)
	}
	if len(sent) != 1 || sent[0].ID != a.ID {
		t.Fatalf("expected only a sent, got %+v", sent)
	}
}

func TestSinglePlayingIndexRejectsSecondPlaying(t *testing.T) {
	s := newMigratedStore(t)
	ctx := context.Background()
	a := saveItem(t, s, "a", models.StatusSent)
	saveItem(t, s, "b", models.StatusPlaying)
	now := time.Now().UTC()

	if _, err := s.Transition(ctx, a.ID, models.StatusPlaying, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict from the playing index, got %v", err)
	}
}

func TestConcurrentMarkSentLeavesOneSent(t *testing.T) {
	s := newMigratedStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 6; i++ {
		ids = append(ids, saveItem(t, s, fmt.Sprintf("item-%d", i), models.StatusQueued).ID)
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		succeeded  int
		unexpected []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.MarkSent(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, ErrConflict):
				unexpected = append(unexpected, err)
			}
		}(id)
	}
	wg.Wait()

	if len(unexpected) > 0 {
		t.Fatalf("unexpected errors: %v", unexpected)
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one MarkSent to win, got %d", succeeded)
	}
	sent, err := s.FindByStatus(ctx, models.StatusSent)
	if err != nil {
		t.Fatalf("find sent: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected one sent item, got %d", len(sent))
	}
}

func TestFindOneByAnyStatusBreaksTiesByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for _, id := range []string{"c-item", "a-item", "b-item"} {
		item := &models.PlaylistItem{
			ID:        id,
			Track:     models.Track{Href: "spotify:track:" + id, Name: id, Length: 180},
			Source:    models.SourceCLI,
			Status:    models.StatusQueued,
			CreatedAt: created,
		}
		if err := s.Save(ctx, item); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	all, err := s.FindByAnyStatus(ctx, models.StatusQueued)
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	one, err := s.FindOneByAnyStatus(ctx, models.StatusQueued)
	if err != nil {
		t.Fatalf("find one: %v", err)
	}
	if one.ID != "a-item" || all[0].ID != one.ID {
		t.Fatalf("finders disagree: one=%s all[0]=%s", one.ID, all[0].ID)
	}
}
