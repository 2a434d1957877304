/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlist persists playlist items and guards their status transitions.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no item matches the lookup.
	ErrNotFound = errors.New("playlist item not found")
	// ErrConflict is returned when a conditional update loses against the current state.
	ErrConflict = errors.New("playlist item status conflict")
)

// Store is the durable source of truth for playlist items.
type Store interface {
	FindByStatus(ctx context.Context, status models.Status) ([]models.PlaylistItem, error)
	FindByAnyStatus(ctx context.Context, statuses ...models.Status) ([]models.PlaylistItem, error)
	FindOne(ctx context.Context, id string) (*models.PlaylistItem, error)
	FindOneByAnyStatus(ctx context.Context, statuses ...models.Status) (*models.PlaylistItem, error)
	Save(ctx context.Context, item *models.PlaylistItem) error
	// Create inserts the item unless its id already exists, reporting whether it did.
	Create(ctx context.Context, item *models.PlaylistItem) (bool, error)
	Update(ctx context.Context, id string, item *models.PlaylistItem) error

	// Transition moves an item one step forward, only if it still holds the
	// predecessor status of to. Moving to playing stamps start_date with at.
	Transition(ctx context.Context, id string, to models.Status, at time.Time) (*models.PlaylistItem, error)
	// MarkSent moves a queued item to sent, only if no other item is sent.
	MarkSent(ctx context.Context, id string) (*models.PlaylistItem, error)
	// RestartPlaying sets a new start_date on an item that is already playing.
	RestartPlaying(ctx context.Context, id string, at time.Time) (*models.PlaylistItem, error)

	Ping(ctx context.Context) error
}

// GormStore implements Store on any gorm dialect.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps a connected database.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) FindByStatus(ctx context.Context, status models.Status) ([]models.PlaylistItem, error) {
	return s.FindByAnyStatus(ctx, status)
}

// FindByAnyStatus returns matching items oldest first.
func (s *GormStore) FindByAnyStatus(ctx context.Context, statuses ...models.Status) ([]models.PlaylistItem, error) {
	var items []models.PlaylistItem
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("find items by status: %w", err)
	}
	return items, nil
}

func (s *GormStore) FindOne(ctx context.Context, id string) (*models.PlaylistItem, error) {
	var item models.PlaylistItem
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find item %s: %w", id, err)
	}
	return &item, nil
}

func (s *GormStore) FindOneByAnyStatus(ctx context.Context, statuses ...models.Status) (*models.PlaylistItem, error) {
	var item models.PlaylistItem
	err := s.db.WithContext(ctx).
		Where("status IN ?", statuses).
		Order("created_at ASC").
		Order("id ASC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find item by status: %w", err)
	}
	return &item, nil
}

// Save upserts the item, assigning an id and the new status when unset.
func (s *GormStore) Save(ctx context.Context, item *models.PlaylistItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = models.StatusNew
	}
	if !item.Status.Valid() {
		return fmt.Errorf("save item %s: invalid status %q", item.ID, item.Status)
	}
	if err := s.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("save item %s: %w", item.ID, err)
	}
	return nil
}

func (s *GormStore) Create(ctx context.Context, item *models.PlaylistItem) (bool, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = models.StatusNew
	}
	if !item.Status.Valid() {
		return false, fmt.Errorf("create item %s: invalid status %q", item.ID, item.Status)
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(item)
	if res.Error != nil {
		return false, fmt.Errorf("create item %s: %w", item.ID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Update replaces the stored item with the given one.
func (s *GormStore) Update(ctx context.Context, id string, item *models.PlaylistItem) error {
	item.ID = id
	res := s.db.WithContext(ctx).Model(&models.PlaylistItem{}).
		Where("id = ?", id).
		Select("*").
		Omit("created_at").
		Updates(item)
	if res.Error != nil {
		return fmt.Errorf("update item %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update item %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) Transition(ctx context.Context, id string, to models.Status, at time.Time) (*models.PlaylistItem, error) {
	from, ok := predecessor(to)
	if !ok {
		return nil, fmt.Errorf("transition item %s: no status precedes %q", id, to)
	}

	changes := map[string]any{"status": to, "updated_at": at}
	if to == models.StatusPlaying {
		changes["start_date"] = at
	}

	var item *models.PlaylistItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PlaylistItem{}).
			Where("id = ? AND status = ?", id, from).
			Updates(changes)
		if res.Error != nil {
			return uniqueConflict(res.Error)
		}
		if res.RowsAffected == 0 {
			return conflictOrMissing(tx, id, fmt.Sprintf("expected %s before %s", from, to))
		}
		loaded, err := load(tx, id)
		item = loaded
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("transition item %s to %s: %w", id, to, err)
	}
	return item, nil
}

func (s *GormStore) MarkSent(ctx context.Context, id string) (*models.PlaylistItem, error) {
	var item *models.PlaylistItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lock every queued and sent row so concurrent MarkSent calls from other
		// processes serialize here and see each other's committed sent item.
		var pending []struct {
			ID     string
			Status models.Status
		}
		if err := tx.Model(&models.PlaylistItem{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id", "status").
			Where("status IN ?", []models.Status{models.StatusQueued, models.StatusSent}).
			Order("id ASC").
			Find(&pending).Error; err != nil {
			return err
		}
		for _, p := range pending {
			if p.Status == models.StatusSent && p.ID != id {
				return fmt.Errorf("%w: item %s is already sent", ErrConflict, p.ID)
			}
		}

		res := tx.Model(&models.PlaylistItem{}).
			Where("id = ? AND status = ?", id, models.StatusQueued).
			Updates(map[string]any{"status": models.StatusSent, "updated_at": time.Now().UTC()})
		if res.Error != nil {
			return uniqueConflict(res.Error)
		}
		if res.RowsAffected == 0 {
			return conflictOrMissing(tx, id, "expected queued before sent")
		}
		loaded, err := load(tx, id)
		item = loaded
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("mark item %s sent: %w", id, err)
	}
	return item, nil
}

func (s *GormStore) RestartPlaying(ctx context.Context, id string, at time.Time) (*models.PlaylistItem, error) {
	var item *models.PlaylistItem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PlaylistItem{}).
			Where("id = ? AND status = ?", id, models.StatusPlaying).
			Updates(map[string]any{"start_date": at, "updated_at": at})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflictOrMissing(tx, id, "expected playing")
		}
		loaded, err := load(tx, id)
		item = loaded
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("restart item %s: %w", id, err)
	}
	return item, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func load(tx *gorm.DB, id string) (*models.PlaylistItem, error) {
	var item models.PlaylistItem
	if err := tx.Where("id = ?", id).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// conflictOrMissing explains why a conditional update touched no rows.
func conflictOrMissing(tx *gorm.DB, id, want string) error {
	current, err := load(tx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: item is %s, %s", ErrConflict, current.Status, want)
}

// uniqueConflict maps a violation of the single sent or single playing index
// to ErrConflict.
func uniqueConflict(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func predecessor(to models.Status) (models.Status, bool) {
	for _, s := range []models.Status{models.StatusNew, models.StatusQueued, models.StatusSent, models.StatusPlaying} {
		if s.CanTransition(to) {
			return s, true
		}
	}
	return "", false
}
