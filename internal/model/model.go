// Package model defines the domain types shared across every component of
// the execution core: tasks, executions, jobs, schedules, and destinations.
package model

import "time"

// TaskRef identifies a specific version of a Task.
type TaskRef struct {
	UUID    string `json:"uuid"`
	Version string `json:"version"`
}

// Priority orders Jobs within the queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "normal"
	}
}

// ParsePriority parses the wire representation of a Priority, defaulting to
// PriorityNormal for an empty string.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// ExecutionState is the FSM state of an Execution (spec.md §4.4).
type ExecutionState string

const (
	ExecutionQueued    ExecutionState = "queued"
	ExecutionRunning   ExecutionState = "running"
	ExecutionSucceeded ExecutionState = "succeeded"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
	ExecutionTimedOut  ExecutionState = "timed_out"
)

// IsTerminal reports whether the state is one no further transition follows.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	default:
		return false
	}
}

// ValidExecutionTransitions enumerates the FSM edges from §4.4. A transition
// not present here is rejected with ErrInvalidState at the store boundary.
var ValidExecutionTransitions = map[ExecutionState][]ExecutionState{
	ExecutionQueued:  {ExecutionRunning, ExecutionCancelled},
	ExecutionRunning: {ExecutionSucceeded, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut},
}

// CanTransition reports whether the FSM permits from -> to.
func CanTransition(from, to ExecutionState) bool {
	for _, candidate := range ValidExecutionTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// DeliveryState is the FSM state of a per-(Execution,Destination) delivery.
type DeliveryState string

const (
	DeliveryPending    DeliveryState = "pending"
	DeliveryDelivering DeliveryState = "delivering"
	DeliveryDelivered  DeliveryState = "delivered"
	DeliveryFailed     DeliveryState = "failed"
	DeliveryGaveUp     DeliveryState = "gave_up"
)

// DestinationKind is the closed set of output destination variants.
type DestinationKind string

const (
	DestinationWebhook    DestinationKind = "webhook"
	DestinationFilesystem DestinationKind = "filesystem"
	DestinationStdio      DestinationKind = "stdio"
)

// RetryPolicy controls backoff for Job retries and delivery retries alike.
type RetryPolicy struct {
	MaxAttempts      int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelayMs   int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs       int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
}

// DefaultRetryPolicy matches the teacher's conservative defaults, scaled to
// the spec's examples (scenario 5: "back-off delays >= initial x {1, mult}").
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelayMs:    1000,
		MaxDelayMs:        30000,
		BackoffMultiplier: 2.0,
	}
}

// ErrorKind is the closed taxonomy from spec.md §7. It travels as data across
// the wire boundary, unlike a Go error identity.
type ErrorKind string

const (
	ErrKindValidation      ErrorKind = "ValidationError"
	ErrKindNotFound        ErrorKind = "NotFound"
	ErrKindPermission      ErrorKind = "PermissionDenied"
	ErrKindRateLimited     ErrorKind = "RateLimited"
	ErrKindBackpressure    ErrorKind = "Backpressure"
	ErrKindWorkerCrashed   ErrorKind = "WorkerCrashed"
	ErrKindTimedOut        ErrorKind = "TimedOut"
	ErrKindExecutionError  ErrorKind = "ExecutionError"
	ErrKindNetworkError    ErrorKind = "NetworkError"
	ErrKindStorageError    ErrorKind = "StorageError"
	ErrKindInvalidState    ErrorKind = "InvalidState"
)

// Retryable reports whether the Job Queue should attempt this error kind
// again, per the policy table in spec.md §7.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindWorkerCrashed, ErrKindTimedOut, ErrKindNetworkError, ErrKindStorageError:
		return true
	default:
		return false
	}
}

// CoreError is the structured error value surfaced to callers. It implements
// error so it can flow through normal Go error handling while still carrying
// enough structure to serialize onto the wire.
type CoreError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	TraceID string    `json:"trace_id,omitempty"`
}

func (e *CoreError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewCoreError constructs a CoreError.
func NewCoreError(kind ErrorKind, msg string) *CoreError {
	return &CoreError{Kind: kind, Message: msg}
}

// ExecutionEnvelope is the wire shape delivered to output destinations
// (spec.md §6).
type ExecutionEnvelope struct {
	ExecutionID string         `json:"execution_id"`
	Task        TaskRef        `json:"task"`
	Status      ExecutionState `json:"status"`
	Input       any            `json:"input"`
	Output      any            `json:"output,omitempty"`
	Error       *CoreError     `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	DurationMs  int64          `json:"duration_ms"`
	TraceID     string         `json:"trace_id,omitempty"`
}
