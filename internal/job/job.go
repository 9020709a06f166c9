package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status transition occurs.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Type tags which registered task a job dispatches to. The domain layer
// defines its own values (e.g. "vehicle_enrich", "vendor_ingest").
type Type string

// Priority bounds: 1 is highest, 10 lowest.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

const DefaultMaxAttempts = 3

// Job is one schedulable, retryable unit of background work.
//
// A job is mutated only by the runner that claimed it: the store's
// conditional claim (pending -> running) guarantees a single logical owner.
type Job struct {
	ID       uuid.UUID
	Type     Type
	Priority int
	Status   Status

	// TargetRef opaquely references the entity the job operates on.
	// Nil for target-less jobs such as vendor-level ingestion.
	TargetRef *string
	// SourceKey optionally narrows the job to one named provider/vendor.
	SourceKey string
	// Payload is opaque structured data passed to the task.
	Payload json.RawMessage

	ScheduledFor time.Time
	AttemptCount int
	MaxAttempts  int

	SourcesAttempted []string
	SourcesSucceeded []string
	SourcesFailed    []string

	ErrorMessage *string
	NextRetryAt  *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClampPriority normalizes a priority into [1,10], defaulting zero to 5.
func ClampPriority(p int) int {
	if p == 0 {
		return PriorityDefault
	}
	if p < PriorityHighest {
		return PriorityHighest
	}
	if p > PriorityLowest {
		return PriorityLowest
	}
	return p
}
