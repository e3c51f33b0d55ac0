package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ratchet-run/ratchet/internal/config"
	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/protocol"
	"github.com/ratchet-run/ratchet/internal/registry"
	"github.com/ratchet-run/ratchet/internal/store"
)

// testApp builds an App with a real in-memory store and catalog but no
// worker pool, dispatcher, cron runner, or delivery pipeline — enough to
// exercise core.go's task/schedule/execution bookkeeping paths without a
// worker binary to execute against.
func testApp(t *testing.T) *App {
	t.Helper()

	db, err := gorm.Open(gsqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(store.AllModels()...))

	catalog, err := registry.New(nil, 16)
	require.NoError(t, err)

	a := &App{
		cfg:        &config.Config{Execution: config.ExecutionConfig{MaxExecutionDurationS: 30}},
		db:         db,
		tasks:      store.NewTaskRepository(db),
		executions: store.NewExecutionRepository(db),
		jobs:       store.NewJobRepository(db),
		schedules:  store.NewScheduleRepository(db),
		deliveries: store.NewDeliveryRepository(db),
		catalog:    catalog,
		metrics:    newAppMetrics(),
	}
	a.core = newCore(a)
	return a
}

func TestCreateTaskThenListAndDescribe(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	detail, err := a.core.CreateTask(ctx, protocol.TaskSpec{
		Name:    "addition",
		Content: "return input.a + input.b;",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"a": map[string]any{"type": "number"}, "b": map[string]any{"type": "number"}},
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, detail.UUID)
	assert.NotEmpty(t, detail.Version)

	summaries, err := a.core.ListTasks(ctx, protocol.TaskFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "addition", summaries[0].Name)

	described, err := a.core.DescribeTask(ctx, protocol.TaskRefParam{UUID: detail.UUID, Version: detail.Version})
	require.NoError(t, err)
	assert.Equal(t, "addition", described.Name)
}

func TestDescribeTaskRequiresVersion(t *testing.T) {
	a := testApp(t)
	_, err := a.core.DescribeTask(context.Background(), protocol.TaskRefParam{UUID: "t1"})
	require.Error(t, err)
	ce, ok := err.(*model.CoreError)
	require.True(t, ok)
	assert.Equal(t, model.ErrKindValidation, ce.Kind)
}

func TestValidateTaskRejectsMalformedSchema(t *testing.T) {
	a := testApp(t)
	result, err := a.core.ValidateTask(context.Background(), protocol.TaskSpec{
		UUID:        "9f4f2e3a-9c2a-4e9e-8b1a-2c3d4e5f6789",
		Name:        "broken",
		Content:     "return 1;",
		InputSchema: map[string]any{"type": "object", "required": "not-an-array"},
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestUpsertScheduleThenTriggerCreatesJob(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	view, err := a.core.UpsertSchedule(ctx, protocol.ScheduleSpec{
		Ref:     protocol.TaskRefParam{UUID: "t1", Version: "v1"},
		Cron:    "*/5 * * * *",
		Enabled: true,
		Input:   map[string]any{"a": 1},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, view.ID)

	require.NoError(t, a.core.TriggerSchedule(ctx, view.ID))

	jobs, err := a.jobs.ClaimNext(ctx, "test", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "t1", jobs[0].TaskUUID)
	assert.Equal(t, view.ID, jobs[0].ScheduleID)
}

func TestCancelExecutionRejectsNonCancellableState(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	exec := &store.Execution{TaskUUID: "t1", TaskVersion: "v1", Input: "{}"}
	require.NoError(t, a.executions.Create(ctx, exec))
	require.NoError(t, a.executions.TransitionTo(ctx, exec.ID, model.ExecutionRunning, nil))
	require.NoError(t, a.executions.TransitionTo(ctx, exec.ID, model.ExecutionSucceeded, nil))

	err := a.core.CancelExecution(ctx, exec.ID)
	require.Error(t, err)
	ce, ok := err.(*model.CoreError)
	require.True(t, ok)
	assert.Equal(t, model.ErrKindInvalidState, ce.Kind)
}

func createValidatedTask(t *testing.T, a *App, ctx context.Context) protocol.TaskDetail {
	t.Helper()
	detail, err := a.core.CreateTask(ctx, protocol.TaskSpec{
		Name:    "addition",
		Content: "return input.a + input.b;",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"a": map[string]any{"type": "number"}},
			"required":   []any{"a"},
		},
	})
	require.NoError(t, err)
	return detail
}

func TestExecuteTaskSkipsExecutionRowOnValidationFailureByDefault(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	detail := createValidatedTask(t, a, ctx)

	_, err := a.core.ExecuteTask(ctx, protocol.ExecuteTaskParams{
		Ref:   protocol.TaskRefParam{UUID: detail.UUID, Version: detail.Version},
		Input: map[string]any{}, // missing required "a"
	})
	require.Error(t, err)
	ce, ok := err.(*model.CoreError)
	require.True(t, ok)
	assert.Equal(t, model.ErrKindValidation, ce.Kind)

	execs, err := a.core.ListExecutions(ctx, protocol.ExecutionFilter{TaskUUID: detail.UUID}, 0)
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestExecuteTaskRecordsValidationFailureWhenConfigured(t *testing.T) {
	a := testApp(t)
	a.cfg.Execution.RecordValidationFailures = true
	ctx := context.Background()
	detail := createValidatedTask(t, a, ctx)

	_, err := a.core.ExecuteTask(ctx, protocol.ExecuteTaskParams{
		Ref:   protocol.TaskRefParam{UUID: detail.UUID, Version: detail.Version},
		Input: map[string]any{},
	})
	require.Error(t, err)

	execs, err := a.core.ListExecutions(ctx, protocol.ExecutionFilter{TaskUUID: detail.UUID}, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, string(model.ExecutionFailed), execs[0].Status)
}

func TestGetExecutionLogsReturnsEmpty(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()

	exec := &store.Execution{TaskUUID: "t1", TaskVersion: "v1", Input: "{}"}
	require.NoError(t, a.executions.Create(ctx, exec))

	logs, err := a.core.GetExecutionLogs(ctx, exec.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
