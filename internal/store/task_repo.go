package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// TaskRepository persists Task records, consolidating the teacher's
// repository/repositories split into one package.
type TaskRepository interface {
	Upsert(ctx context.Context, t *Task) error
	GetByRef(ctx context.Context, uuid, version string) (*Task, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*Task, error)
	ListActive(ctx context.Context) ([]Task, error)
	Tombstone(ctx context.Context, uuid, version string) error
	Delete(ctx context.Context, uuid, version string) error
}

type gormTaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

func (r *gormTaskRepository) Upsert(ctx context.Context, t *Task) error {
	var existing Task
	err := r.db.WithContext(ctx).
		Where("uuid = ? AND version = ?", t.UUID, t.Version).
		First(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return r.db.WithContext(ctx).Create(t).Error
	case err != nil:
		return err
	default:
		t.ID = existing.ID
		return r.db.WithContext(ctx).Model(&existing).Updates(t).Error
	}
}

func (r *gormTaskRepository) GetByRef(ctx context.Context, uuid, version string) (*Task, error) {
	var t Task
	err := r.db.WithContext(ctx).Where("uuid = ? AND version = ?", uuid, version).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormTaskRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*Task, error) {
	var t Task
	err := r.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormTaskRepository) ListActive(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := r.db.WithContext(ctx).Where("tombstoned = ?", false).Find(&tasks).Error
	return tasks, err
}

func (r *gormTaskRepository) Tombstone(ctx context.Context, uuid, version string) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("uuid = ? AND version = ?", uuid, version).
		Update("tombstoned", true).Error
}

func (r *gormTaskRepository) Delete(ctx context.Context, uuid, version string) error {
	return r.db.WithContext(ctx).Where("uuid = ? AND version = ?", uuid, version).Delete(&Task{}).Error
}
