package protocol

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCore struct{}

func (stubCore) ListTasks(ctx context.Context, filter TaskFilter, limit int) ([]TaskSummary, error) {
	return []TaskSummary{{UUID: "t1", Name: "addition"}}, nil
}
func (stubCore) DescribeTask(ctx context.Context, ref TaskRefParam) (TaskDetail, error) {
	name := "addition"
	if ref.UUID == "secret-uuid" {
		name = "secret-task"
	}
	return TaskDetail{TaskSummary: TaskSummary{UUID: ref.UUID, Name: name}}, nil
}
func (stubCore) ExecuteTask(ctx context.Context, req ExecuteTaskParams) (ExecuteTaskResult, error) {
	return ExecuteTaskResult{ExecutionID: "e1", Status: "succeeded"}, nil
}
func (stubCore) CancelExecution(ctx context.Context, id string) error { return nil }
func (stubCore) GetExecution(ctx context.Context, id string) (ExecutionView, error) {
	return ExecutionView{ID: id, TaskUUID: id}, nil
}
func (stubCore) ListExecutions(ctx context.Context, filter ExecutionFilter, limit int) ([]ExecutionSummary, error) {
	return nil, nil
}
func (stubCore) GetExecutionLogs(ctx context.Context, id string, limit int, afterSeq int64) ([]LogEntry, error) {
	return nil, nil
}
func (stubCore) CreateTask(ctx context.Context, spec TaskSpec) (TaskDetail, error) {
	return TaskDetail{}, nil
}
func (stubCore) UpdateTask(ctx context.Context, spec TaskSpec) (TaskDetail, error) {
	return TaskDetail{}, nil
}
func (stubCore) ValidateTask(ctx context.Context, spec TaskSpec) (ValidationResult, error) {
	return ValidationResult{Valid: true}, nil
}
func (stubCore) ListSchedules(ctx context.Context) ([]ScheduleView, error) { return nil, nil }
func (stubCore) UpsertSchedule(ctx context.Context, s ScheduleSpec) (ScheduleView, error) {
	return ScheduleView{}, nil
}
func (stubCore) TriggerSchedule(ctx context.Context, id string) error { return nil }

func TestDispatchUnknownMethod(t *testing.T) {
	d := NewDispatcher(stubCore{}, nil)
	resp := d.Dispatch(context.Background(), Credential{}, Request{ID: "1", Method: "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestDispatchToolCallForbiddenWithoutCapability(t *testing.T) {
	d := NewDispatcher(stubCore{}, nil)
	params, _ := json.Marshal(map[string]any{"name": "execute_task", "arguments": map[string]any{}})
	resp := d.Dispatch(context.Background(), Credential{Permissions: Permissions{CanExecute: false}}, Request{
		ID: "1", Method: "tools/call", Params: params,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeForbidden, resp.Error.Code)
}

func TestDispatchToolCallSucceeds(t *testing.T) {
	d := NewDispatcher(stubCore{}, nil)
	params, _ := json.Marshal(map[string]any{"name": "list_tasks", "arguments": map[string]any{}})
	resp := d.Dispatch(context.Background(), Credential{}, Request{ID: "1", Method: "tools/call", Params: params})
	require.Nil(t, resp.Error)
	assert.NotNil(t, resp.Result)
}

func TestDispatchToolCallDeniedTaskPattern(t *testing.T) {
	d := NewDispatcher(stubCore{}, nil)
	perms := Permissions{CanExecute: true, DeniedTaskPatterns: []string{"secret-*"}}

	params, _ := json.Marshal(map[string]any{
		"name":      "execute_task",
		"arguments": map[string]any{"ref": map[string]any{"uuid": "secret-uuid"}},
	})
	resp := d.Dispatch(context.Background(), Credential{Permissions: perms}, Request{ID: "1", Method: "tools/call", Params: params})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeForbidden, resp.Error.Code)

	params, _ = json.Marshal(map[string]any{
		"name":      "get_execution",
		"arguments": map[string]any{"id": "secret-uuid"},
	})
	resp = d.Dispatch(context.Background(), Credential{Permissions: perms}, Request{ID: "2", Method: "tools/call", Params: params})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeForbidden, resp.Error.Code)
}

func TestDispatchToolCallAllowsUnmatchedTask(t *testing.T) {
	d := NewDispatcher(stubCore{}, nil)
	perms := Permissions{CanExecute: true, DeniedTaskPatterns: []string{"secret-*"}}

	params, _ := json.Marshal(map[string]any{
		"name":      "execute_task",
		"arguments": map[string]any{"ref": map[string]any{"uuid": "t1"}},
	})
	resp := d.Dispatch(context.Background(), Credential{Permissions: perms}, Request{ID: "1", Method: "tools/call", Params: params})
	require.Nil(t, resp.Error)
}

func TestPermissionsDenyOverridesAllow(t *testing.T) {
	p := Permissions{AllowedTaskPatterns: []string{"*"}, DeniedTaskPatterns: []string{"secret-*"}}
	assert.True(t, p.AllowsTask("addition"))
	assert.False(t, p.AllowsTask("secret-task"))
}
