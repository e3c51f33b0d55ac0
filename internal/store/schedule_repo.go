package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ScheduleRepository persists cron-driven Job templates.
type ScheduleRepository interface {
	Upsert(ctx context.Context, s *Schedule) error
	Get(ctx context.Context, id string) (*Schedule, error)
	List(ctx context.Context) ([]Schedule, error)
	DueBefore(ctx context.Context, t time.Time) ([]Schedule, error)
	// Advance sets last_fired_at and next_fire_at in one write, enforcing
	// the monotonic-advance invariant from spec.md §4.3 at the caller's
	// responsibility (the new next_fire_at must already be > old).
	Advance(ctx context.Context, id string, lastFiredAt, nextFireAt time.Time) error
}

type gormScheduleRepository struct {
	db *gorm.DB
}

func NewScheduleRepository(db *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: db}
}

func (r *gormScheduleRepository) Upsert(ctx context.Context, s *Schedule) error {
	if s.ID == "" {
		return r.db.WithContext(ctx).Create(s).Error
	}
	return r.db.WithContext(ctx).Save(s).Error
}

func (r *gormScheduleRepository) Get(ctx context.Context, id string) (*Schedule, error) {
	var s Schedule
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *gormScheduleRepository) List(ctx context.Context) ([]Schedule, error) {
	var out []Schedule
	err := r.db.WithContext(ctx).Find(&out).Error
	return out, err
}

func (r *gormScheduleRepository) DueBefore(ctx context.Context, t time.Time) ([]Schedule, error) {
	var out []Schedule
	err := r.db.WithContext(ctx).Where("enabled = ? AND next_fire_at <= ?", true, t).Find(&out).Error
	return out, err
}

func (r *gormScheduleRepository) Advance(ctx context.Context, id string, lastFiredAt, nextFireAt time.Time) error {
	return r.db.WithContext(ctx).Model(&Schedule{}).
		Where("id = ? AND next_fire_at < ?", id, nextFireAt).
		Updates(map[string]any{"last_fired_at": lastFiredAt, "next_fire_at": nextFireAt}).Error
}
