package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/store"
	"github.com/ratchet-run/ratchet/internal/workerpool"
	"go.uber.org/zap"
)

func testDispatcher(t *testing.T) (*Dispatcher, store.JobRepository, store.ExecutionRepository) {
	t.Helper()
	db, err := gorm.Open(gsqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))

	jobs := store.NewJobRepository(db)
	executions := store.NewExecutionRepository(db)
	d := &Dispatcher{
		cfg:        DispatchConfig{ClaimantID: "test"},
		jobs:       jobs,
		executions: executions,
		logger:     zap.NewNop(),
	}
	return d, jobs, executions
}

func TestClassifyPrefersCoreErrorKind(t *testing.T) {
	kind, msg := classify(workerpool.ResultPayload{}, &model.CoreError{Kind: model.ErrKindValidation, Message: "bad input"})
	assert.Equal(t, model.ErrKindValidation, kind)
	assert.Equal(t, "bad input", msg)
}

func TestClassifyFallsBackToResultErrKind(t *testing.T) {
	kind, msg := classify(workerpool.ResultPayload{ErrKind: "TimedOut", ErrMessage: "took too long"}, nil)
	assert.Equal(t, model.ErrKindTimedOut, kind)
	assert.Equal(t, "took too long", msg)
}

func TestTerminalStateForTimeout(t *testing.T) {
	assert.Equal(t, model.ExecutionTimedOut, terminalStateFor(model.ErrKindTimedOut))
	assert.Equal(t, model.ExecutionFailed, terminalStateFor(model.ErrKindExecutionError))
}

func TestCompleteMarksJobSucceededOnOK(t *testing.T) {
	d, jobs, executions := testDispatcher(t)
	ctx := context.Background()

	job := &store.Job{TaskUUID: "t1", TaskVersion: "v1", MaxAttempts: 3, AttemptsRemaining: 3, State: "queued"}
	require.NoError(t, jobs.Create(ctx, job))
	exec := &store.Execution{TaskUUID: "t1", TaskVersion: "v1", Input: "{}", JobID: job.ID}
	require.NoError(t, executions.Create(ctx, exec))
	require.NoError(t, executions.TransitionTo(ctx, exec.ID, model.ExecutionRunning, nil))

	d.complete(ctx, *job, exec, workerpool.ResultPayload{OK: true, Output: []byte(`1`)}, nil)

	gotJob, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", gotJob.State)

	gotExec, err := executions.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.ExecutionSucceeded), gotExec.State)
}

func TestCompleteReschedulesRetryableFailureWithAttemptsRemaining(t *testing.T) {
	d, jobs, executions := testDispatcher(t)
	ctx := context.Background()

	job := &store.Job{
		TaskUUID: "t1", TaskVersion: "v1", State: "queued",
		MaxAttempts: 3, AttemptsRemaining: 2,
		InitialDelayMs: 100, MaxDelayMs: 1000, BackoffMultiplier: 2.0,
	}
	require.NoError(t, jobs.Create(ctx, job))
	exec := &store.Execution{TaskUUID: "t1", TaskVersion: "v1", Input: "{}", JobID: job.ID}
	require.NoError(t, executions.Create(ctx, exec))

	d.complete(ctx, *job, exec, workerpool.ResultPayload{OK: false, ErrKind: "NetworkError", ErrMessage: "connection refused"}, nil)

	gotJob, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "queued", gotJob.State, "a retryable failure with attempts remaining must requeue, not terminate")
	assert.Empty(t, gotJob.ClaimedBy)
	assert.True(t, gotJob.NotBefore.After(job.NotBefore))
}

func TestCompleteMarksFailedWhenAttemptsExhausted(t *testing.T) {
	d, jobs, executions := testDispatcher(t)
	ctx := context.Background()

	job := &store.Job{TaskUUID: "t1", TaskVersion: "v1", State: "queued", MaxAttempts: 1, AttemptsRemaining: 0}
	require.NoError(t, jobs.Create(ctx, job))
	exec := &store.Execution{TaskUUID: "t1", TaskVersion: "v1", Input: "{}", JobID: job.ID}
	require.NoError(t, executions.Create(ctx, exec))
	require.NoError(t, executions.TransitionTo(ctx, exec.ID, model.ExecutionRunning, nil))

	d.complete(ctx, *job, exec, workerpool.ResultPayload{OK: false, ErrKind: "ExecutionError", ErrMessage: "boom"}, nil)

	gotJob, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", gotJob.State)

	gotExec, err := executions.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, string(model.ExecutionFailed), gotExec.State)
	assert.Equal(t, "boom", gotExec.ErrorMsg)
}

func TestFailTerminalMarksJobFailedWithoutAnExecution(t *testing.T) {
	d, jobs, _ := testDispatcher(t)
	ctx := context.Background()

	job := &store.Job{TaskUUID: "gone", TaskVersion: "v1", State: "queued"}
	require.NoError(t, jobs.Create(ctx, job))

	d.failTerminal(ctx, *job, "the referenced task is no longer in the catalog")

	got, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.State)
}
