package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

// JobRepository persists Job records and implements the linearizable
// "claim next ready job" query required by spec.md §4.3, grounded on the
// teacher's partial-map UpdateStatus pattern in repositories/job.go.
type JobRepository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// ClaimNext atomically claims up to `batch` ready jobs for claimantID —
	// ready means state="queued", not_before <= now. Ordered by
	// (priority desc, not_before asc, created_at asc) per spec.md §4.4.
	ClaimNext(ctx context.Context, claimantID string, batch int) ([]Job, error)
	// ReleaseClaim clears claimed_by without consuming an attempt, used when
	// a worker slot could not be acquired after claiming (spec.md §4.4).
	ReleaseClaim(ctx context.Context, id string) error
	MarkDispatched(ctx context.Context, id string, executionID string) error
	Reschedule(ctx context.Context, id string, notBefore time.Time) error
	MarkTerminal(ctx context.Context, id, state string) error
	FindBySchedule(ctx context.Context, scheduleID string) ([]Job, error)
}

type gormJobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

func (r *gormJobRepository) Create(ctx context.Context, j *Job) error {
	if j.State == "" {
		j.State = "queued"
	}
	q := r.db.WithContext(ctx)
	if j.DedupKey == "" {
		// An empty key is left out of the insert and stored as NULL, which
		// the unique dedup index does not constrain.
		q = q.Omit("DedupKey")
	}
	err := q.Create(j).Error
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (r *gormJobRepository) Get(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimNext implements the "conditional update" strategy spec.md §4.3
// recommends as an alternative to SELECT ... FOR UPDATE SKIP LOCKED:
// it selects candidate IDs, then claims each with a single conditional
// UPDATE ... WHERE id = ? AND claimed_by = '' that only one concurrent
// caller can win, re-trying the next candidate on loss. This keeps the
// store portable across the sqlite/postgres dual-dialect support the
// teacher's db.go already requires, where SKIP LOCKED isn't available on
// sqlite.
func (r *gormJobRepository) ClaimNext(ctx context.Context, claimantID string, batch int) ([]Job, error) {
	now := time.Now().UTC()

	var candidates []Job
	err := r.db.WithContext(ctx).
		Where("state = ? AND not_before <= ? AND claimed_by = ?", "queued", now, "").
		Order("priority DESC, not_before ASC, created_at ASC").
		Limit(batch * 3). // over-fetch since some candidates will lose the race
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]Job, 0, batch)
	claimedAt := time.Now().UTC()
	for _, c := range candidates {
		if len(claimed) >= batch {
			break
		}
		res := r.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND claimed_by = ?", c.ID, "").
			Updates(map[string]any{"claimed_by": claimantID, "claimed_at": claimedAt})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 1 {
			c.ClaimedBy = claimantID
			c.ClaimedAt = &claimedAt
			claimed = append(claimed, c)
		}
	}
	return claimed, nil
}

func (r *gormJobRepository) ReleaseClaim(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{"claimed_by": "", "claimed_at": nil}).Error
}

func (r *gormJobRepository) MarkDispatched(ctx context.Context, id string, executionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Where("id = ?", id).First(&j).Error; err != nil {
			return err
		}
		if j.ClaimedBy == "" {
			return ErrNotClaimed
		}
		j.State = "running"
		j.ExecutionID = executionID
		j.AttemptsRemaining--
		// DedupKey is omitted so a NULL key is not rewritten as "".
		return tx.Omit("DedupKey").Save(&j).Error
	})
}

func (r *gormJobRepository) Reschedule(ctx context.Context, id string, notBefore time.Time) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{"state": "queued", "not_before": notBefore, "claimed_by": "", "claimed_at": nil}).Error
}

func (r *gormJobRepository) MarkTerminal(ctx context.Context, id, state string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{"state": state}).Error
}

func (r *gormJobRepository) FindBySchedule(ctx context.Context, scheduleID string) ([]Job, error) {
	var jobs []Job
	err := r.db.WithContext(ctx).Where("schedule_id = ?", scheduleID).Find(&jobs).Error
	return jobs, err
}

func isUniqueViolation(err error) bool {
	// Both modernc sqlite and pgx surface distinct error types; the teacher
	// avoids a type-switch here by substring matching on the driver error,
	// which is adequate since Create's caller only needs a boolean.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
