// Package store is the Execution Store (C3): the durable record of Tasks,
// Executions, Jobs, Schedules, and per-delivery Output state. Grounded on
// the teacher's server/internal/db/models.go — same base-embedding and
// UUIDv7-in-BeforeCreate pattern, generalized from backup-policy entities to
// task-execution entities.
package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ratchet-run/ratchet/internal/model"
)

// base embeds a UUIDv7 primary key and timestamps into every entity.
type base struct {
	ID        string    `gorm:"primaryKey;type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BeforeCreate assigns a time-ordered UUIDv7 if the caller hasn't already
// set one — see DESIGN.md's ULID-vs-UUIDv7 decision.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id.String()
	}
	return nil
}

// Task is the persisted record of a registered task version. The registry
// (C1) owns the in-memory catalog; this table is the audit trail of every
// version the registry has ever validated and accepted, plus the content the
// worker pool needs to resolve a ContentRef.
type Task struct {
	base
	UUID         string `gorm:"index:idx_task_uuid_version,unique"`
	Version      string `gorm:"index:idx_task_uuid_version,unique"`
	Name         string `gorm:"index"`
	Label        string
	Description  string
	InputSchema  string `gorm:"type:text"`
	OutputSchema string `gorm:"type:text"`
	Content      string `gorm:"type:text"`
	Fingerprint  string `gorm:"index"`
	SourceName   string
	Tombstoned   bool
}

// Ref converts the stored Task into the lightweight model.TaskRef.
func (t Task) Ref() model.TaskRef { return model.TaskRef{UUID: t.UUID, Version: t.Version} }

// Execution is one attempt at running a Task with a specific input
// (spec.md §3).
type Execution struct {
	base
	TaskUUID    string
	TaskVersion string
	Input       string `gorm:"type:text"`
	State       string `gorm:"index"`
	Output      string `gorm:"type:text"`
	ErrorKind   string
	ErrorMsg    string
	ErrorDetails string `gorm:"type:text"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
	WorkerID    string
	DurationMs  int64
	TraceID     string `gorm:"index"`
	JobID       string `gorm:"index"`
}

// Job is a queue entry describing intent to produce an Execution.
type Job struct {
	base
	TaskUUID           string
	TaskVersion        string
	Input              string `gorm:"type:text"`
	Priority           int    `gorm:"index"`
	NotBefore          time.Time `gorm:"index"`
	AttemptsRemaining  int
	MaxAttempts        int
	InitialDelayMs     int
	MaxDelayMs         int
	BackoffMultiplier  float64
	OutputDestinations string `gorm:"type:text"` // JSON array of destination names
	ScheduleID         string `gorm:"index"`
	DedupKey           string `gorm:"index:idx_job_dedup,unique"`
	State              string `gorm:"index"`
	ClaimedBy          string `gorm:"index"`
	ClaimedAt          *time.Time
	ExecutionID        string
}

// Schedule is a cron-expression-driven Job template.
type Schedule struct {
	base
	TaskUUID           string
	TaskVersion        string
	Input              string `gorm:"type:text"`
	Cron               string
	Timezone           string
	Enabled            bool
	OutputDestinations string `gorm:"type:text"`
	LastFiredAt        *time.Time
	NextFireAt         time.Time `gorm:"index"`
}

// Destination is a configured output sink (sum type realized as one table
// with kind-specific optional columns, matching the teacher's flat-model
// style rather than per-kind tables).
type Destination struct {
	base
	Name         string `gorm:"uniqueIndex"`
	Kind         string
	URL          string
	Method       string
	Headers      string `gorm:"type:text"` // JSON object
	AuthSecret   EncryptedString
	PathTemplate string
	Root         string
	Format       string
	Stream       string
}

// Delivery is the per-(Execution,Destination) delivery state.
type Delivery struct {
	base
	ExecutionID   string `gorm:"index:idx_delivery_pair,unique"`
	DestinationID string `gorm:"index:idx_delivery_pair,unique"`
	State         string `gorm:"index"`
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time `gorm:"index"`
	LastError     string
}

// AllModels lists every entity for AutoMigrate-free, migration-driven setup
// (kept here for use by tests that want an in-memory schema without running
// the full migration chain).
func AllModels() []any {
	return []any{&Task{}, &Execution{}, &Job{}, &Schedule{}, &Destination{}, &Delivery{}}
}
