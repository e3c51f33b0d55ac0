package queue

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/registry"
	"github.com/ratchet-run/ratchet/internal/store"
	"github.com/ratchet-run/ratchet/internal/workerpool"
)

// DispatchConfig controls the claim/dispatch loop's pacing and limits.
type DispatchConfig struct {
	ClaimantID  string
	Batch       int
	PollEvery   time.Duration
	DefaultTimeout time.Duration
}

// Dispatcher is the single-producer loop that claims ready Jobs and submits
// them to the worker pool, applying the FSM transitions and retry policy as
// outcomes arrive (spec.md §4.3 "Dispatch").
type Dispatcher struct {
	cfg        DispatchConfig
	jobs       store.JobRepository
	executions store.ExecutionRepository
	catalog    *registry.Catalog
	pool       *workerpool.Pool
	logger     *zap.Logger

	sem chan struct{}
}

func NewDispatcher(cfg DispatchConfig, jobs store.JobRepository, executions store.ExecutionRepository, catalog *registry.Catalog, pool *workerpool.Pool, poolSize int, logger *zap.Logger) *Dispatcher {
	if cfg.Batch <= 0 {
		cfg.Batch = poolSize
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 500 * time.Millisecond
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Dispatcher{
		cfg:        cfg,
		jobs:       jobs,
		executions: executions,
		catalog:    catalog,
		pool:       pool,
		logger:     logger.Named("dispatch"),
		sem:        make(chan struct{}, poolSize),
	}
}

// Run ticks at PollEvery, claiming and dispatching ready jobs until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	// Don't claim more than we currently have free slots for, else claimed
	// jobs sit idle holding their claim while waiting on a worker.
	free := cap(d.sem) - len(d.sem)
	if free <= 0 {
		return
	}
	batch := d.cfg.Batch
	if free < batch {
		batch = free
	}

	jobs, err := d.jobs.ClaimNext(ctx, d.cfg.ClaimantID, batch)
	if err != nil {
		d.logger.Error("claim next jobs", zap.Error(err))
		return
	}

	for i := range jobs {
		job := jobs[i]
		select {
		case d.sem <- struct{}{}:
		default:
			// Lost the race against another tick between the free-slot check
			// and here; release the claim so another claimant can pick it up.
			_ = d.jobs.ReleaseClaim(ctx, job.ID)
			continue
		}
		go func(job store.Job) {
			defer func() { <-d.sem }()
			d.dispatchOne(ctx, job)
		}(job)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, job store.Job) {
	ref := model.TaskRef{UUID: job.TaskUUID, Version: job.TaskVersion}
	content, ok := d.catalog.Lookup(ref)
	if !ok {
		d.failTerminal(ctx, job, "the referenced task is no longer in the catalog")
		return
	}
	d.catalog.AcquireContentRef(ref)
	defer d.catalog.ReleaseContentRef(ref)

	exec := &store.Execution{
		TaskUUID:    job.TaskUUID,
		TaskVersion: job.TaskVersion,
		Input:       job.Input,
		JobID:       job.ID,
	}
	if err := d.executions.Create(ctx, exec); err != nil {
		d.logger.Error("create execution", zap.Error(err))
		_ = d.jobs.ReleaseClaim(ctx, job.ID)
		return
	}
	if err := d.jobs.MarkDispatched(ctx, job.ID, exec.ID); err != nil {
		d.logger.Error("mark dispatched", zap.Error(err))
		return
	}
	// MarkDispatched consumed an attempt in the store; keep the copy that
	// complete() reads in step with it.
	job.AttemptsRemaining--

	start := time.Now().UTC()
	_ = d.executions.TransitionTo(ctx, exec.ID, model.ExecutionRunning, func(e *store.Execution) {
		e.StartedAt = &start
		e.WorkerID = d.cfg.ClaimantID
	})

	timeout := d.cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	req := workerpool.Request{ExecutePayload: workerpool.ExecutePayload{
		RequestID:   exec.ID,
		TaskUUID:    job.TaskUUID,
		TaskVersion: job.TaskVersion,
		Content:     content.Content,
		Input:       json.RawMessage(job.Input),
		TimeoutMs:   timeout.Milliseconds(),
		TraceID:     exec.TraceID,
	}}

	res, err := d.pool.Submit(ctx, req)
	d.complete(ctx, job, exec, res, err)
}

// complete applies the outcome to the Execution and Job FSMs, scheduling a
// retry when the error kind is retryable and attempts remain.
func (d *Dispatcher) complete(ctx context.Context, job store.Job, exec *store.Execution, res workerpool.ResultPayload, err error) {
	finished := time.Now().UTC()

	if err == nil && res.OK {
		terr := d.executions.TransitionTo(ctx, exec.ID, model.ExecutionSucceeded, func(e *store.Execution) {
			e.FinishedAt = &finished
			e.Output = string(res.Output)
			e.DurationMs = res.DurationMs
		})
		if terr != nil {
			d.logger.Error("transition succeeded", zap.Error(terr))
		}
		_ = d.jobs.MarkTerminal(ctx, job.ID, "succeeded")
		return
	}

	kind, msg := classify(res, err)
	_ = d.executions.TransitionTo(ctx, exec.ID, terminalStateFor(kind), func(e *store.Execution) {
		e.FinishedAt = &finished
		e.ErrorKind = string(kind)
		e.ErrorMsg = msg
		e.DurationMs = res.DurationMs
	})

	if kind.Retryable() && job.AttemptsRemaining > 0 {
		attempt := job.MaxAttempts - job.AttemptsRemaining + 1
		delay := nextDelay(job.InitialDelayMs, job.MaxDelayMs, job.BackoffMultiplier, attempt)
		if rerr := d.jobs.Reschedule(ctx, job.ID, time.Now().UTC().Add(delay)); rerr != nil {
			d.logger.Error("reschedule job", zap.Error(rerr))
		}
		return
	}

	_ = d.jobs.MarkTerminal(ctx, job.ID, "failed")
}

func (d *Dispatcher) failTerminal(ctx context.Context, job store.Job, reason string) {
	d.logger.Warn("job cannot be dispatched", zap.String("job_id", job.ID), zap.String("reason", reason))
	_ = d.jobs.MarkTerminal(ctx, job.ID, "failed")
}

func classify(res workerpool.ResultPayload, err error) (model.ErrorKind, string) {
	if err != nil {
		if ce, ok := err.(*model.CoreError); ok {
			return ce.Kind, ce.Message
		}
		return model.ErrKindNetworkError, err.Error()
	}
	if res.ErrKind != "" {
		return model.ErrorKind(res.ErrKind), res.ErrMessage
	}
	return model.ErrKindExecutionError, "task reported failure with no error detail"
}

func terminalStateFor(kind model.ErrorKind) model.ExecutionState {
	if kind == model.ErrKindTimedOut {
		return model.ExecutionTimedOut
	}
	return model.ExecutionFailed
}
