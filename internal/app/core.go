package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ratchet-run/ratchet/internal/model"
	"github.com/ratchet-run/ratchet/internal/protocol"
	"github.com/ratchet-run/ratchet/internal/registry"
	"github.com/ratchet-run/ratchet/internal/store"
	"github.com/ratchet-run/ratchet/internal/workerpool"
)

// core implements protocol.Core, the seam the Agent Protocol Layer (C6)
// dispatches onto. It holds no state of its own beyond a cancellation
// registry for in-flight synchronous execute_task calls — everything else
// is delegated to the App's subsystems.
type core struct {
	app *App

	mu            sync.Mutex
	cancellations map[string]context.CancelFunc
}

func newCore(a *App) *core {
	return &core{app: a, cancellations: make(map[string]context.CancelFunc)}
}

func (c *core) ListTasks(ctx context.Context, filter protocol.TaskFilter, limit int) ([]protocol.TaskSummary, error) {
	summaries := c.app.catalog.List(registry.Filter{NameContains: filter.NamePattern})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	out := make([]protocol.TaskSummary, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, protocol.TaskSummary{
			UUID: s.Ref.UUID, Version: s.Ref.Version, Name: s.Name, Label: s.Label,
		})
	}
	return out, nil
}

func (c *core) DescribeTask(ctx context.Context, ref protocol.TaskRefParam) (protocol.TaskDetail, error) {
	if ref.Version == "" {
		return protocol.TaskDetail{}, model.NewCoreError(model.ErrKindValidation, "describe_task requires an explicit version")
	}
	entry, ok := c.app.catalog.Describe(model.TaskRef{UUID: ref.UUID, Version: ref.Version})
	if !ok {
		return protocol.TaskDetail{}, model.NewCoreError(model.ErrKindNotFound, "task not found: "+ref.UUID)
	}
	var inputSchema, outputSchema any
	_ = json.Unmarshal([]byte(entry.InputSchema), &inputSchema)
	_ = json.Unmarshal([]byte(entry.OutputSchema), &outputSchema)
	return protocol.TaskDetail{
		TaskSummary: protocol.TaskSummary{
			UUID: entry.Ref.UUID, Version: entry.Ref.Version, Name: entry.Name, Label: entry.Label,
		},
		Description:  entry.Description,
		InputSchema:  inputSchema,
		OutputSchema: outputSchema,
	}, nil
}

// ExecuteTask runs a task synchronously through the worker pool, bypassing
// the Job Queue entirely — spec.md §4.6's execute_task tool returns a
// TerminalResult directly (scenario 1: "< 2s"), which the queue's
// claim-then-poll dispatch loop isn't built for. Scheduled/retried execution
// still goes through internal/queue.Dispatcher via Schedules and
// externally-submitted Jobs.
func (c *core) ExecuteTask(ctx context.Context, req protocol.ExecuteTaskParams) (protocol.ExecuteTaskResult, error) {
	ref := model.TaskRef{UUID: req.Ref.UUID, Version: req.Ref.Version}
	content, ok := c.app.catalog.Lookup(ref)
	if !ok {
		return protocol.ExecuteTaskResult{}, model.NewCoreError(model.ErrKindNotFound, "task not found: "+ref.UUID)
	}
	entry, _ := c.app.catalog.Describe(ref)
	if entry != nil && entry.InputSchema != "" {
		if err := registry.ValidateInput(entry.InputSchema, req.Input); err != nil {
			if c.app.cfg.Execution.RecordValidationFailures {
				c.recordValidationFailure(ctx, ref, req.Input, err.Error())
			}
			return protocol.ExecuteTaskResult{}, model.NewCoreError(model.ErrKindValidation, err.Error())
		}
	}

	c.app.catalog.AcquireContentRef(ref)
	defer c.app.catalog.ReleaseContentRef(ref)

	inputRaw, err := json.Marshal(req.Input)
	if err != nil {
		return protocol.ExecuteTaskResult{}, model.NewCoreError(model.ErrKindValidation, "input is not serializable: "+err.Error())
	}

	exec := &store.Execution{
		TaskUUID:    ref.UUID,
		TaskVersion: ref.Version,
		Input:       string(inputRaw),
		TraceID:     newTraceID(),
	}
	if err := c.app.executions.Create(ctx, exec); err != nil {
		return protocol.ExecuteTaskResult{}, fmt.Errorf("app: create execution: %w", err)
	}

	start := time.Now().UTC()
	_ = c.app.executions.TransitionTo(ctx, exec.ID, model.ExecutionRunning, func(e *store.Execution) {
		e.StartedAt = &start
	})

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = c.app.cfg.ExecutionTimeout()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancellations[exec.ID] = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancellations, exec.ID)
		c.mu.Unlock()
		cancel()
	}()

	res, submitErr := c.app.pool.Submit(runCtx, workerpool.Request{ExecutePayload: workerpool.ExecutePayload{
		RequestID:   exec.ID,
		TaskUUID:    ref.UUID,
		TaskVersion: ref.Version,
		Content:     content.Content,
		Input:       json.RawMessage(inputRaw),
		TimeoutMs:   timeout.Milliseconds(),
		TraceID:     exec.TraceID,
	}})

	result := c.finishExecution(ctx, exec, start, res, submitErr)

	if len(req.OutputDestinations) > 0 {
		if envelope, err := c.app.envelopeOf(exec.ID); err == nil {
			c.app.pipeline.Enqueue(ctx, envelope, req.OutputDestinations, func(name string) (store.Destination, error) {
				d, err := c.app.deliveries.GetDestination(ctx, name)
				if err != nil {
					return store.Destination{}, err
				}
				return *d, nil
			})
		}
	}

	return result, nil
}

// recordValidationFailure persists a terminal, already-failed Execution row
// for an execute_task call rejected at the schema-validation gate, when
// execution.record_validation_failures is enabled. No worker is ever
// dispatched for this row, so it is created directly in ExecutionFailed
// rather than via TransitionTo — the FSM only governs edges a live
// execution actually crosses.
func (c *core) recordValidationFailure(ctx context.Context, ref model.TaskRef, input any, msg string) {
	inputRaw, err := json.Marshal(input)
	if err != nil {
		inputRaw = []byte("null")
	}
	now := time.Now().UTC()
	exec := &store.Execution{
		TaskUUID:    ref.UUID,
		TaskVersion: ref.Version,
		Input:       string(inputRaw),
		TraceID:     newTraceID(),
		State:       string(model.ExecutionFailed),
		ErrorKind:   string(model.ErrKindValidation),
		ErrorMsg:    msg,
		StartedAt:   &now,
		FinishedAt:  &now,
	}
	if err := c.app.executions.Create(ctx, exec); err != nil {
		return
	}
	c.app.metrics.observeExecution(string(model.ExecutionFailed))
}

func (c *core) finishExecution(ctx context.Context, exec *store.Execution, start time.Time, res workerpool.ResultPayload, submitErr error) protocol.ExecuteTaskResult {
	finished := time.Now().UTC()
	duration := finished.Sub(start).Milliseconds()

	if submitErr == nil && res.OK {
		_ = c.app.executions.TransitionTo(ctx, exec.ID, model.ExecutionSucceeded, func(e *store.Execution) {
			e.FinishedAt = &finished
			e.Output = string(res.Output)
			e.DurationMs = duration
		})
		c.app.metrics.observeExecution(string(model.ExecutionSucceeded))
		var output any
		_ = json.Unmarshal(res.Output, &output)
		return protocol.ExecuteTaskResult{ExecutionID: exec.ID, Status: string(model.ExecutionSucceeded), Output: output}
	}

	// A cancelled context is reported as ExecutionCancelled, never as an
	// error kind — spec.md §3 requires error to be absent for a cancelled
	// execution, and ValidationError is an unrelated taxonomy entry (§7)
	// that must never be fabricated to stand in for "cancelled".
	if errors.Is(submitErr, context.Canceled) {
		_ = c.app.executions.TransitionTo(ctx, exec.ID, model.ExecutionCancelled, func(e *store.Execution) {
			e.FinishedAt = &finished
			e.DurationMs = duration
		})
		c.app.metrics.observeExecution(string(model.ExecutionCancelled))
		return protocol.ExecuteTaskResult{ExecutionID: exec.ID, Status: string(model.ExecutionCancelled)}
	}

	kind, msg := classifyOutcome(res, submitErr)
	terminal := model.ExecutionFailed
	if kind == model.ErrKindTimedOut {
		terminal = model.ExecutionTimedOut
	}
	_ = c.app.executions.TransitionTo(ctx, exec.ID, terminal, func(e *store.Execution) {
		e.FinishedAt = &finished
		e.ErrorKind = string(kind)
		e.ErrorMsg = msg
		e.DurationMs = duration
	})
	c.app.metrics.observeExecution(string(terminal))

	return protocol.ExecuteTaskResult{
		ExecutionID: exec.ID,
		Status:      string(terminal),
		Error:       &model.CoreError{Kind: kind, Message: msg},
	}
}

func classifyOutcome(res workerpool.ResultPayload, err error) (model.ErrorKind, string) {
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

// CancelExecution cancels the context backing an in-flight synchronous
// execute_task call, which unblocks pool.Submit immediately; no Cancel frame
// is sent, so the worker process finishes the in-flight request and returns
// to Idle on its own (the pool sends a Cancel frame only when a request's
// timeout elapses). An Execution still in the queued state is cancelled by
// marking it Cancelled directly; any other state is rejected with
// InvalidState.
func (c *core) CancelExecution(ctx context.Context, id string) error {
	c.mu.Lock()
	cancel, ok := c.cancellations[id]
	c.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	exec, err := c.app.executions.Get(ctx, id)
	if err != nil {
		return err
	}
	if model.ExecutionState(exec.State) != model.ExecutionQueued {
		return model.NewCoreError(model.ErrKindInvalidState, "execution is not cancellable from state "+exec.State)
	}
	return c.app.executions.TransitionTo(ctx, id, model.ExecutionCancelled, nil)
}

func (c *core) GetExecution(ctx context.Context, id string) (protocol.ExecutionView, error) {
	e, err := c.app.executions.Get(ctx, id)
	if err != nil {
		return protocol.ExecutionView{}, err
	}
	view := protocol.ExecutionView{
		ID: e.ID, TaskUUID: e.TaskUUID, Status: e.State, DurationMs: e.DurationMs,
	}
	if e.Output != "" {
		var output any
		_ = json.Unmarshal([]byte(e.Output), &output)
		view.Output = output
	}
	if e.ErrorKind != "" {
		view.Error = &model.CoreError{Kind: model.ErrorKind(e.ErrorKind), Message: e.ErrorMsg}
	}
	return view, nil
}

// ListExecutions scans the terminal-execution window repository provides and
// filters client-side, since spec.md's ExecutionFilter is broader than any
// single indexed store query.
func (c *core) ListExecutions(ctx context.Context, filter protocol.ExecutionFilter, limit int) ([]protocol.ExecutionSummary, error) {
	rows, err := c.app.executions.ListInWindow(ctx, time.Time{}, time.Now().UTC(), 0)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ExecutionSummary, 0, len(rows))
	for _, e := range rows {
		if filter.TaskUUID != "" && e.TaskUUID != filter.TaskUUID {
			continue
		}
		if filter.Status != "" && e.State != filter.Status {
			continue
		}
		out = append(out, protocol.ExecutionSummary{ID: e.ID, TaskUUID: e.TaskUUID, Status: e.State})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetExecutionLogs always returns an empty list: Progress/Log frames are
// read and discarded by internal/workerpool/worker.go's readLoop, neither
// forwarded nor persisted, so there is nothing to retrieve.
func (c *core) GetExecutionLogs(ctx context.Context, id string, limit int, afterSeq int64) ([]protocol.LogEntry, error) {
	if _, err := c.app.executions.Get(ctx, id); err != nil {
		return nil, err
	}
	return []protocol.LogEntry{}, nil
}

func (c *core) CreateTask(ctx context.Context, spec protocol.TaskSpec) (protocol.TaskDetail, error) {
	return c.upsertTask(ctx, spec)
}

func (c *core) UpdateTask(ctx context.Context, spec protocol.TaskSpec) (protocol.TaskDetail, error) {
	if spec.UUID == "" {
		return protocol.TaskDetail{}, model.NewCoreError(model.ErrKindValidation, "update_task requires uuid")
	}
	return c.upsertTask(ctx, spec)
}

func (c *core) upsertTask(ctx context.Context, spec protocol.TaskSpec) (protocol.TaskDetail, error) {
	uuidStr := spec.UUID
	if uuidStr == "" {
		uuidStr = newTraceID()
	}
	version := newTraceID()

	inputSchemaJSON, _ := json.Marshal(spec.InputSchema)
	outputSchemaJSON, _ := json.Marshal(spec.OutputSchema)

	observed := registry.Observed{
		Ref:          model.TaskRef{UUID: uuidStr, Version: version},
		Name:         spec.Name,
		Label:        spec.Label,
		Description:  spec.Description,
		InputSchema:  string(inputSchemaJSON),
		OutputSchema: string(outputSchemaJSON),
		Content:      spec.Content,
	}

	var validateErr error
	c.app.catalog.Sync(ctx, []registry.Observed{observed}, func(o registry.Observed) error {
		validateErr = registry.ValidateObserved(o, nil)
		return validateErr
	})
	if validateErr != nil {
		return protocol.TaskDetail{}, model.NewCoreError(model.ErrKindValidation, validateErr.Error())
	}

	task := &store.Task{
		UUID: uuidStr, Version: version, Name: spec.Name, Label: spec.Label,
		Description: spec.Description, InputSchema: string(inputSchemaJSON),
		OutputSchema: string(outputSchemaJSON), Content: spec.Content, SourceName: "api",
	}
	if err := c.app.tasks.Upsert(ctx, task); err != nil {
		return protocol.TaskDetail{}, fmt.Errorf("app: persist task: %w", err)
	}

	return protocol.TaskDetail{
		TaskSummary: protocol.TaskSummary{UUID: uuidStr, Version: version, Name: spec.Name, Label: spec.Label},
		Description: spec.Description, InputSchema: spec.InputSchema, OutputSchema: spec.OutputSchema,
	}, nil
}

func (c *core) ValidateTask(ctx context.Context, spec protocol.TaskSpec) (protocol.ValidationResult, error) {
	inputSchemaJSON, _ := json.Marshal(spec.InputSchema)
	outputSchemaJSON, _ := json.Marshal(spec.OutputSchema)
	observed := registry.Observed{
		Ref:          model.TaskRef{UUID: spec.UUID, Version: "validate"},
		Name:         spec.Name,
		InputSchema:  string(inputSchemaJSON),
		OutputSchema: string(outputSchemaJSON),
		Content:      spec.Content,
	}
	if err := registry.ValidateObserved(observed, nil); err != nil {
		return protocol.ValidationResult{Valid: false, Errors: []string{err.Error()}}, nil
	}
	return protocol.ValidationResult{Valid: true}, nil
}

func (c *core) ListSchedules(ctx context.Context) ([]protocol.ScheduleView, error) {
	rows, err := c.app.schedules.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ScheduleView, 0, len(rows))
	for _, s := range rows {
		out = append(out, protocol.ScheduleView{
			ID: s.ID, TaskUUID: s.TaskUUID, Cron: s.Cron, Enabled: s.Enabled,
			NextFireAt: s.NextFireAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

func (c *core) UpsertSchedule(ctx context.Context, spec protocol.ScheduleSpec) (protocol.ScheduleView, error) {
	inputRaw, err := json.Marshal(spec.Input)
	if err != nil {
		return protocol.ScheduleView{}, model.NewCoreError(model.ErrKindValidation, "input is not serializable: "+err.Error())
	}

	s := &store.Schedule{
		TaskUUID: spec.Ref.UUID, TaskVersion: spec.Ref.Version, Input: string(inputRaw),
		Cron: spec.Cron, Enabled: spec.Enabled, NextFireAt: time.Now().UTC(),
	}
	s.ID = spec.ID
	if err := c.app.schedules.Upsert(ctx, s); err != nil {
		return protocol.ScheduleView{}, fmt.Errorf("app: upsert schedule: %w", err)
	}
	return protocol.ScheduleView{
		ID: s.ID, TaskUUID: s.TaskUUID, Cron: s.Cron, Enabled: s.Enabled,
		NextFireAt: s.NextFireAt.Format(time.RFC3339),
	}, nil
}

// TriggerSchedule materializes one Job for a Schedule immediately, without
// waiting for or disturbing its normal next_fire_at cadence — a manual
// "run now" distinct from internal/queue.CronRunner's tick-driven firing.
func (c *core) TriggerSchedule(ctx context.Context, id string) error {
	s, err := c.app.schedules.Get(ctx, id)
	if err != nil {
		return err
	}
	job := &store.Job{
		TaskUUID: s.TaskUUID, TaskVersion: s.TaskVersion, Input: s.Input,
		NotBefore: time.Now().UTC(), MaxAttempts: 1, AttemptsRemaining: 1,
		InitialDelayMs: 1000, MaxDelayMs: 30000, BackoffMultiplier: 2.0,
		OutputDestinations: s.OutputDestinations, ScheduleID: s.ID,
		DedupKey: fmt.Sprintf("manual:%s:%s", s.ID, newTraceID()),
	}
	return c.app.jobs.Create(ctx, job)
}
