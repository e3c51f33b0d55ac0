package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ratchet-run/ratchet/internal/store"
)

// CronRunner evaluates Schedule templates and materializes due ones into
// Jobs, grounded on server/internal/scheduler/scheduler.go's gocron-driven
// tick loop — generalized here to a plain 1s ticker since each Schedule
// carries its own independently-parsed cron expression rather than being
// registered as individual gocron jobs, which keeps Advance's
// monotonic-next-fire invariant entirely inside the store transaction.
type CronRunner struct {
	schedules store.ScheduleRepository
	jobs      store.JobRepository
	logger    *zap.Logger
	parser    cron.Parser
}

func NewCronRunner(schedules store.ScheduleRepository, jobs store.JobRepository, logger *zap.Logger) *CronRunner {
	return &CronRunner{
		schedules: schedules,
		jobs:      jobs,
		logger:    logger.Named("cron"),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Run ticks every second, firing any Schedule whose next_fire_at has
// elapsed (spec.md §4.4 "Scheduler tick").
func (c *CronRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *CronRunner) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := c.schedules.DueBefore(ctx, now)
	if err != nil {
		c.logger.Error("list due schedules", zap.Error(err))
		return
	}

	for i := range due {
		s := due[i]
		if err := c.fire(ctx, &s, now); err != nil {
			c.logger.Error("fire schedule", zap.String("schedule_id", s.ID), zap.Error(err))
		}
	}
}

// fire creates the schedule's Job (idempotently, via a dedup key derived
// from schedule ID + the fire instant it's for) and advances next_fire_at.
func (c *CronRunner) fire(ctx context.Context, s *store.Schedule, now time.Time) error {
	schedule, err := c.parser.Parse(s.Cron)
	if err != nil {
		return fmt.Errorf("parse cron %q: %w", s.Cron, err)
	}
	next := schedule.Next(now)

	dedupKey := fmt.Sprintf("%s:%d", s.ID, s.NextFireAt.Unix())
	job := &store.Job{
		TaskUUID:           s.TaskUUID,
		TaskVersion:        s.TaskVersion,
		Input:              s.Input,
		Priority:           0,
		NotBefore:          now,
		MaxAttempts:        3,
		AttemptsRemaining:  3,
		InitialDelayMs:     1000,
		MaxDelayMs:         30000,
		BackoffMultiplier:  2.0,
		OutputDestinations: s.OutputDestinations,
		ScheduleID:         s.ID,
		DedupKey:           dedupKey,
	}

	if err := c.jobs.Create(ctx, job); err != nil {
		if err == store.ErrConflict {
			// Already created by a previous tick that crashed before Advance
			// committed — fall through to Advance so we don't fire forever.
		} else {
			return err
		}
	}

	return c.schedules.Advance(ctx, s.ID, now, next)
}
