package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ratchet-run/ratchet/internal/model"
)

// ExecutionRepository persists Execution records and enforces the FSM
// (spec.md §4.4) at the store boundary, per §4.3's invariant that invalid
// transitions fail with InvalidState.
type ExecutionRepository interface {
	Create(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	TransitionTo(ctx context.Context, id string, to model.ExecutionState, mutate func(*Execution)) error
	ListInWindow(ctx context.Context, from, to time.Time, limit int) ([]Execution, error)
}

type gormExecutionRepository struct {
	db *gorm.DB
}

func NewExecutionRepository(db *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: db}
}

func (r *gormExecutionRepository) Create(ctx context.Context, e *Execution) error {
	if e.State == "" {
		e.State = string(model.ExecutionQueued)
	}
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *gormExecutionRepository) Get(ctx context.Context, id string) (*Execution, error) {
	var e Execution
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// TransitionTo validates the FSM edge, applies mutate (which sets
// output/error/timestamps), and writes within a single transaction — the
// store owns the authoritative state machine, not its callers.
func (r *gormExecutionRepository) TransitionTo(ctx context.Context, id string, to model.ExecutionState, mutate func(*Execution)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var e Execution
		if err := tx.Where("id = ?", id).First(&e).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}

		from := model.ExecutionState(e.State)
		if from != to && !model.CanTransition(from, to) {
			return ErrInvalidState
		}

		e.State = string(to)
		if mutate != nil {
			mutate(&e)
		}
		return tx.Save(&e).Error
	})
}

func (r *gormExecutionRepository) ListInWindow(ctx context.Context, from, to time.Time, limit int) ([]Execution, error) {
	var out []Execution
	q := r.db.WithContext(ctx).
		Where("state IN ?", []string{
			string(model.ExecutionSucceeded),
			string(model.ExecutionFailed),
			string(model.ExecutionCancelled),
			string(model.ExecutionTimedOut),
		}).
		Where("created_at BETWEEN ? AND ?", from, to).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
