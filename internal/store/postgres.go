package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"drivetrain/internal/job"
)

// postgresStore implements Store on pgx/v5 for multi-worker deployments.
// The Claim conditional update is what makes concurrent runners safe.
type postgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*postgresStore)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  id                UUID PRIMARY KEY,
  job_type          TEXT NOT NULL,
  priority          INT NOT NULL DEFAULT 5,
  status            TEXT NOT NULL DEFAULT 'pending',
  target_ref        TEXT,
  source_key        TEXT NOT NULL DEFAULT '',
  payload           JSONB,
  scheduled_for     TIMESTAMPTZ NOT NULL,
  attempt_count     INT NOT NULL DEFAULT 0,
  max_attempts      INT NOT NULL DEFAULT 3,
  sources_attempted TEXT[],
  sources_succeeded TEXT[],
  sources_failed    TEXT[],
  error_message     TEXT,
  next_retry_at     TIMESTAMPTZ,
  started_at        TIMESTAMPTZ,
  completed_at      TIMESTAMPTZ,
  created_at        TIMESTAMPTZ NOT NULL,
  updated_at        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_pending ON jobs(status, priority, scheduled_for);
CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
`

// OpenPostgres connects a pool, applies the schema, and returns the store.
func OpenPostgres(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

const pgJobColumns = `id, job_type, priority, status, target_ref, source_key, payload,
 scheduled_for, attempt_count, max_attempts,
 sources_attempted, sources_succeeded, sources_failed,
 error_message, next_retry_at, started_at, completed_at, created_at, updated_at`

func (s *postgresStore) Insert(ctx context.Context, j *job.Job) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs(`+pgJobColumns+`)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		j.ID, string(j.Type), j.Priority, string(j.Status),
		j.TargetRef, j.SourceKey, payloadArg(j.Payload),
		j.ScheduledFor, j.AttemptCount, j.MaxAttempts,
		j.SourcesAttempted, j.SourcesSucceeded, j.SourcesFailed,
		j.ErrorMessage, j.NextRetryAt, j.StartedAt, j.CompletedAt,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *postgresStore) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *postgresStore) Update(ctx context.Context, id uuid.UUID, f Fields) (*job.Job, error) {
	set := []string{"updated_at = $2"}
	args := []any{id, time.Now()}
	argIdx := 3

	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}

	if f.Status != nil {
		add("status", string(*f.Status))
	}
	if f.ScheduledFor != nil {
		add("scheduled_for", *f.ScheduledFor)
	}
	if f.ErrorMessage != nil {
		add("error_message", *f.ErrorMessage)
	}
	if f.CompletedAt != nil {
		add("completed_at", *f.CompletedAt)
	}
	if f.NextRetryAt != nil {
		add("next_retry_at", *f.NextRetryAt)
	} else if f.ClearNextRetryAt {
		set = append(set, "next_retry_at = NULL")
	}
	if f.SourcesAttempted != nil {
		add("sources_attempted", f.SourcesAttempted)
	}
	if f.SourcesSucceeded != nil {
		add("sources_succeeded", f.SourcesSucceeded)
	}
	if f.SourcesFailed != nil {
		add("sources_failed", f.SourcesFailed)
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = $1 RETURNING `+pgJobColumns,
		args...)
	j, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return j, nil
}

func (s *postgresStore) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = $2, started_at = $3, attempt_count = attempt_count + 1, updated_at = $3
		 WHERE id = $1 AND status = $4
		 RETURNING `+pgJobColumns,
		id, string(job.StatusRunning), now, string(job.StatusPending),
	)
	j, err := scanPGJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := s.Get(ctx, id); errors.Is(gerr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrNotClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

func (s *postgresStore) QueryPending(ctx context.Context, limit int, now time.Time) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgJobColumns+` FROM jobs
		 WHERE status = $1 AND scheduled_for <= $2
		 ORDER BY priority ASC, scheduled_for ASC
		 LIMIT $3`,
		string(job.StatusPending), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE status = ANY($1) AND completed_at IS NOT NULL AND completed_at < $2`,
		[]string{string(job.StatusCompleted), string(job.StatusFailed)}, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *postgresStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByStatus: make(map[job.Status]int),
		ByType:   make(map[job.Type]int),
	}

	rows, err := s.pool.Query(ctx, `SELECT status, job_type, COUNT(*) FROM jobs GROUP BY status, job_type`)
	if err != nil {
		return st, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, jt string
		var n int64
		if err := rows.Scan(&status, &jt, &n); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		st.Total += int(n)
		st.ByStatus[job.Status(status)] += int(n)
		st.ByType[job.Type(jt)] += int(n)
	}
	return st, rows.Err()
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPGJob(row pgx.Row) (*job.Job, error) {
	var (
		j          job.Job
		jt, status string
	)
	err := row.Scan(
		&j.ID, &jt, &j.Priority, &status, &j.TargetRef, &j.SourceKey, &j.Payload,
		&j.ScheduledFor, &j.AttemptCount, &j.MaxAttempts,
		&j.SourcesAttempted, &j.SourcesSucceeded, &j.SourcesFailed,
		&j.ErrorMessage, &j.NextRetryAt, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Type = job.Type(jt)
	j.Status = job.Status(status)
	return &j, nil
}

func payloadArg(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return p
}
