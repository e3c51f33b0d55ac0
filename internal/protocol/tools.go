package protocol

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ratchet-run/ratchet/internal/model"
)

// Core is the capability surface the tool registry dispatches onto. It is
// implemented by internal/app, which wires the registry (C1), store (C3),
// queue (C4), and delivery pipeline (C5) behind these methods — the
// protocol layer itself holds no business logic, matching spec.md §9's
// "no component reaches across layers" design note.
type Core interface {
	ListTasks(ctx context.Context, filter TaskFilter, limit int) ([]TaskSummary, error)
	DescribeTask(ctx context.Context, ref TaskRefParam) (TaskDetail, error)
	ExecuteTask(ctx context.Context, req ExecuteTaskParams) (ExecuteTaskResult, error)
	CancelExecution(ctx context.Context, id string) error
	GetExecution(ctx context.Context, id string) (ExecutionView, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter, limit int) ([]ExecutionSummary, error)
	GetExecutionLogs(ctx context.Context, id string, limit int, afterSeq int64) ([]LogEntry, error)
	CreateTask(ctx context.Context, spec TaskSpec) (TaskDetail, error)
	UpdateTask(ctx context.Context, spec TaskSpec) (TaskDetail, error)
	ValidateTask(ctx context.Context, spec TaskSpec) (ValidationResult, error)
	ListSchedules(ctx context.Context) ([]ScheduleView, error)
	UpsertSchedule(ctx context.Context, s ScheduleSpec) (ScheduleView, error)
	TriggerSchedule(ctx context.Context, id string) error
}

// --- tool parameter/result shapes (spec.md §4.6 "Tool surface") ---

type TaskFilter struct {
	NamePattern string `json:"name_pattern,omitempty"`
}

type TaskRefParam struct {
	UUID    string `json:"uuid"`
	Version string `json:"version,omitempty"`
}

type TaskSummary struct {
	UUID    string `json:"uuid"`
	Version string `json:"version"`
	Name    string `json:"name"`
	Label   string `json:"label,omitempty"`
}

type TaskDetail struct {
	TaskSummary
	Description  string `json:"description,omitempty"`
	InputSchema  any    `json:"input_schema"`
	OutputSchema any    `json:"output_schema"`
}

type ExecuteTaskParams struct {
	Ref                TaskRefParam   `json:"ref"`
	Input              any            `json:"input"`
	StreamProgress     bool           `json:"stream_progress,omitempty"`
	OutputDestinations []string       `json:"output_destinations,omitempty"`
	Priority           string         `json:"priority,omitempty"`
	TimeoutMs          int64          `json:"timeout_ms,omitempty"`
}

type ExecuteTaskResult struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Output      any    `json:"output,omitempty"`
	Error       any    `json:"error,omitempty"`
}

type ExecutionView struct {
	ID         string `json:"id"`
	TaskUUID   string `json:"task_uuid"`
	Status     string `json:"status"`
	Output     any    `json:"output,omitempty"`
	Error      any    `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type ExecutionFilter struct {
	TaskUUID string `json:"task_uuid,omitempty"`
	Status   string `json:"status,omitempty"`
}

type ExecutionSummary struct {
	ID       string `json:"id"`
	TaskUUID string `json:"task_uuid"`
	Status   string `json:"status"`
}

type LogEntry struct {
	Seq     int64  `json:"seq"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

type TaskSpec struct {
	UUID         string `json:"uuid,omitempty"`
	Name         string `json:"name"`
	Label        string `json:"label,omitempty"`
	Description  string `json:"description,omitempty"`
	Content      string `json:"content"`
	InputSchema  any    `json:"input_schema"`
	OutputSchema any    `json:"output_schema"`
}

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

type ScheduleSpec struct {
	ID        string `json:"id,omitempty"`
	Ref       TaskRefParam `json:"ref"`
	Input     any    `json:"input"`
	Cron      string `json:"cron"`
	Enabled   bool   `json:"enabled"`
}

type ScheduleView struct {
	ID         string `json:"id"`
	TaskUUID   string `json:"task_uuid"`
	Cron       string `json:"cron"`
	Enabled    bool   `json:"enabled"`
	NextFireAt string `json:"next_fire_at"`
}

// tool is one entry in the dispatch registry: a name, its JSON-Schema input
// definition (surfaced by tools/list), the capability required to invoke
// it, and the handler itself. Dispatch is a map lookup, never a reflection
// based switch (spec.md §8 redesign note "avoid reflection-based dispatch").
type tool struct {
	Name        string
	InputSchema map[string]any
	Requires    func(Permissions) bool
	Handler     func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error)
}

// checkTaskPermission resolves ref to its task name and applies
// Permissions.AllowsTask (spec.md §4.6 "Authorization") before a caller is
// allowed to act on it. Resolution costs a DescribeTask lookup since
// allowed_task_patterns/denied_task_patterns match against task names, not
// the UUIDs tool params carry.
func checkTaskPermission(ctx context.Context, core Core, perms Permissions, ref TaskRefParam) error {
	detail, err := core.DescribeTask(ctx, ref)
	if err != nil {
		return err
	}
	if !perms.AllowsTask(detail.Name) {
		return model.NewCoreError(model.ErrKindPermission, "credential is not permitted to act on task "+detail.Name)
	}
	return nil
}

// Registry builds the fixed tool table bound to a Core implementation.
func Registry(core Core) map[string]tool {
	always := func(Permissions) bool { return true }
	execute := func(p Permissions) bool { return p.CanExecute }
	readLogs := func(p Permissions) bool { return p.CanReadLogs }

	return map[string]tool{
		"list_tasks": {
			Name: "list_tasks", Requires: always,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p struct {
					Filter TaskFilter `json:"filter"`
					Limit  int        `json:"limit"`
				}
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				return core.ListTasks(ctx, p.Filter, p.Limit)
			},
		},
		"describe_task": {
			Name: "describe_task", Requires: always,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p struct {
					Ref TaskRefParam `json:"ref"`
				}
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				detail, err := core.DescribeTask(ctx, p.Ref)
				if err != nil {
					return nil, err
				}
				if !perms.AllowsTask(detail.Name) {
					return nil, model.NewCoreError(model.ErrKindPermission, "credential is not permitted to act on task "+detail.Name)
				}
				return detail, nil
			},
		},
		"execute_task": {
			Name: "execute_task", Requires: execute,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p ExecuteTaskParams
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				if err := checkTaskPermission(ctx, core, perms, p.Ref); err != nil {
					return nil, err
				}
				return core.ExecuteTask(ctx, p)
			},
		},
		"cancel_execution": {
			Name: "cancel_execution", Requires: execute,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p struct {
					ID string `json:"id"`
				}
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				exec, err := core.GetExecution(ctx, p.ID)
				if err != nil {
					return nil, err
				}
				if err := checkTaskPermission(ctx, core, perms, TaskRefParam{UUID: exec.TaskUUID}); err != nil {
					return nil, err
				}
				return nil, core.CancelExecution(ctx, p.ID)
			},
		},
		"get_execution": {
			Name: "get_execution", Requires: always,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p struct {
					ID string `json:"id"`
				}
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				exec, err := core.GetExecution(ctx, p.ID)
				if err != nil {
					return nil, err
				}
				if err := checkTaskPermission(ctx, core, perms, TaskRefParam{UUID: exec.TaskUUID}); err != nil {
					return nil, err
				}
				return exec, nil
			},
		},
		"list_executions": {
			Name: "list_executions", Requires: always,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p struct {
					Filter ExecutionFilter `json:"filter"`
					Limit  int             `json:"limit"`
				}
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				return core.ListExecutions(ctx, p.Filter, p.Limit)
			},
		},
		"get_execution_logs": {
			Name: "get_execution_logs", Requires: readLogs,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p struct {
					ID        string `json:"id"`
					Limit     int    `json:"limit"`
					AfterSeq  int64  `json:"after_seq"`
				}
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				return core.GetExecutionLogs(ctx, p.ID, p.Limit, p.AfterSeq)
			},
		},
		"create_task": {
			Name: "create_task", Requires: execute,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p TaskSpec
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				return core.CreateTask(ctx, p)
			},
		},
		"update_task": {
			Name: "update_task", Requires: execute,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p TaskSpec
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				return core.UpdateTask(ctx, p)
			},
		},
		"validate_task": {
			Name: "validate_task", Requires: always,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p TaskSpec
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				return core.ValidateTask(ctx, p)
			},
		},
		"list_schedules": {
			Name: "list_schedules", Requires: always,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				return core.ListSchedules(ctx)
			},
		},
		"upsert_schedule": {
			Name: "upsert_schedule", Requires: execute,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p ScheduleSpec
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				return core.UpsertSchedule(ctx, p)
			},
		},
		"trigger_schedule": {
			Name: "trigger_schedule", Requires: execute,
			Handler: func(ctx context.Context, core Core, perms Permissions, params json.RawMessage) (any, error) {
				var p struct {
					ID string `json:"id"`
				}
				if err := unmarshalParams(params, &p); err != nil {
					return nil, err
				}
				return nil, core.TriggerSchedule(ctx, p.ID)
			},
		},
	}
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// List produces the tools/list response shape: name + capability gate
// stripped, since the caller's own Permissions decide visibility — spec.md
// doesn't require hiding unreachable tools from discovery, only rejecting
// calls to them.
func List(core Core) []map[string]any {
	reg := Registry(core)
	out := make([]map[string]any, 0, len(reg))
	for name := range reg {
		out = append(out, map[string]any{"name": name})
	}
	return out
}
