// Package store persists the job queue.
//
// Three backends share one contract: sqlite for single-node deployments,
// postgres for multi-worker ones, and an in-memory store for tests and
// embedded use. Correctness of the runner depends on Claim being a
// conditional update: exactly one caller wins the pending -> running
// transition for a given job.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"drivetrain/internal/job"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrNotClaimed means the job was no longer pending at claim time
	// (another runner won, or it already finished).
	ErrNotClaimed = errors.New("job not claimable")
)

// Fields is a partial update applied by Update. Nil pointers leave the
// column untouched; nil slices leave source sets untouched.
type Fields struct {
	Status       *job.Status
	ScheduledFor *time.Time
	ErrorMessage *string
	CompletedAt  *time.Time

	NextRetryAt      *time.Time
	ClearNextRetryAt bool

	SourcesAttempted []string
	SourcesSucceeded []string
	SourcesFailed    []string
}

// Stats counts jobs by status and by type.
type Stats struct {
	Total    int
	ByStatus map[job.Status]int
	ByType   map[job.Type]int
}

type Store interface {
	// Insert persists a new job. CreatedAt/UpdatedAt are stamped if zero.
	Insert(ctx context.Context, j *job.Job) error

	// Get returns a job by ID, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)

	// Update applies a partial update and returns the stored job.
	Update(ctx context.Context, id uuid.UUID, f Fields) (*job.Job, error)

	// Claim atomically transitions pending -> running, stamping StartedAt
	// and incrementing AttemptCount. Returns ErrNotClaimed when the row is
	// not pending at claim time.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (*job.Job, error)

	// QueryPending returns up to limit jobs with status=pending and
	// scheduled_for <= now, ordered by (priority asc, scheduled_for asc).
	QueryPending(ctx context.Context, limit int, now time.Time) ([]*job.Job, error)

	// DeleteTerminalBefore bulk-deletes completed/failed jobs whose
	// CompletedAt is older than cutoff. Returns the number deleted.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Stats returns queue counts for the operator surface.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
