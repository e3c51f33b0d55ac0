package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// DeliveryRepository persists per-(Execution,Destination) delivery state
// and destination configuration, grounded on the JobDestination sub-repo
// methods in repositories/job.go.
type DeliveryRepository interface {
	Create(ctx context.Context, d *Delivery) error
	Get(ctx context.Context, id string) (*Delivery, error)
	UpdateState(ctx context.Context, id string, state string, lastErr string) error
	ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time) error
	PendingOlderThan(ctx context.Context, t time.Time) ([]Delivery, error)

	UpsertDestination(ctx context.Context, d *Destination) error
	GetDestination(ctx context.Context, name string) (*Destination, error)
	ListDestinations(ctx context.Context) ([]Destination, error)
}

type gormDeliveryRepository struct {
	db *gorm.DB
}

func NewDeliveryRepository(db *gorm.DB) DeliveryRepository {
	return &gormDeliveryRepository{db: db}
}

func (r *gormDeliveryRepository) Create(ctx context.Context, d *Delivery) error {
	if d.State == "" {
		d.State = "pending"
	}
	err := r.db.WithContext(ctx).Create(d).Error
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *gormDeliveryRepository) Get(ctx context.Context, id string) (*Delivery, error) {
	var d Delivery
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *gormDeliveryRepository) UpdateState(ctx context.Context, id string, state string, lastErr string) error {
	updates := map[string]any{"state": state}
	if lastErr != "" {
		updates["last_error"] = lastErr
	}
	return r.db.WithContext(ctx).Model(&Delivery{}).Where("id = ?", id).Updates(updates).Error
}

func (r *gormDeliveryRepository) ScheduleRetry(ctx context.Context, id string, nextAttemptAt time.Time) error {
	return r.db.WithContext(ctx).Model(&Delivery{}).Where("id = ?", id).
		Updates(map[string]any{
			"state":           "pending",
			"next_attempt_at": nextAttemptAt,
			"attempts":        gorm.Expr("attempts + 1"),
		}).Error
}

func (r *gormDeliveryRepository) PendingOlderThan(ctx context.Context, t time.Time) ([]Delivery, error) {
	var out []Delivery
	err := r.db.WithContext(ctx).
		Where("state IN ? AND next_attempt_at <= ?", []string{"pending", "delivering"}, t).
		Find(&out).Error
	return out, err
}

func (r *gormDeliveryRepository) UpsertDestination(ctx context.Context, d *Destination) error {
	var existing Destination
	err := r.db.WithContext(ctx).Where("name = ?", d.Name).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.db.WithContext(ctx).Create(d).Error
	}
	if err != nil {
		return err
	}
	d.ID = existing.ID
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *gormDeliveryRepository) GetDestination(ctx context.Context, name string) (*Destination, error) {
	var d Destination
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *gormDeliveryRepository) ListDestinations(ctx context.Context) ([]Destination, error) {
	var out []Destination
	err := r.db.WithContext(ctx).Find(&out).Error
	return out, err
}
