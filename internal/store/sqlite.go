package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"drivetrain/internal/job"
	logx "drivetrain/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLiteConfig configures the sqlite-backed store.
type SQLiteConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

var _ Store = (*sqliteStore)(nil)

func OpenSQLite(cfg SQLiteConfig, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const sqliteJobColumns = `id, job_type, priority, status, target_ref, source_key, payload,
 scheduled_for, attempt_count, max_attempts,
 sources_attempted, sources_succeeded, sources_failed,
 error_message, next_retry_at, started_at, completed_at, created_at, updated_at`

func (s *sqliteStore) Insert(ctx context.Context, j *job.Job) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(`+sqliteJobColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID.String(), string(j.Type), j.Priority, string(j.Status),
		nullStrPtr(j.TargetRef), j.SourceKey, nullBytes(j.Payload),
		j.ScheduledFor.UnixMilli(), j.AttemptCount, j.MaxAttempts,
		sourcesJSON(j.SourcesAttempted), sourcesJSON(j.SourcesSucceeded), sourcesJSON(j.SourcesFailed),
		nullStrPtr(j.ErrorMessage), nullMillis(j.NextRetryAt), nullMillis(j.StartedAt), nullMillis(j.CompletedAt),
		j.CreatedAt.UnixMilli(), j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id.String())
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *sqliteStore) Update(ctx context.Context, id uuid.UUID, f Fields) (*job.Job, error) {
	set := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}

	if f.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*f.Status))
	}
	if f.ScheduledFor != nil {
		set = append(set, "scheduled_for = ?")
		args = append(args, f.ScheduledFor.UnixMilli())
	}
	if f.ErrorMessage != nil {
		set = append(set, "error_message = ?")
		args = append(args, *f.ErrorMessage)
	}
	if f.CompletedAt != nil {
		set = append(set, "completed_at = ?")
		args = append(args, f.CompletedAt.UnixMilli())
	}
	if f.NextRetryAt != nil {
		set = append(set, "next_retry_at = ?")
		args = append(args, f.NextRetryAt.UnixMilli())
	} else if f.ClearNextRetryAt {
		set = append(set, "next_retry_at = NULL")
	}
	if f.SourcesAttempted != nil {
		set = append(set, "sources_attempted = ?")
		args = append(args, sourcesJSON(f.SourcesAttempted))
	}
	if f.SourcesSucceeded != nil {
		set = append(set, "sources_succeeded = ?")
		args = append(args, sourcesJSON(f.SourcesSucceeded))
	}
	if f.SourcesFailed != nil {
		set = append(set, "sources_failed = ?")
		args = append(args, sourcesJSON(f.SourcesFailed))
	}

	args = append(args, id.String())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *sqliteStore) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*job.Job, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = ?, started_at = ?, attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(job.StatusRunning), now.UnixMilli(), now.UnixMilli(),
		id.String(), string(job.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); errors.Is(gerr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrNotClaimed
	}
	return s.Get(ctx, id)
}

func (s *sqliteStore) QueryPending(ctx context.Context, limit int, now time.Time) ([]*job.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs
		 WHERE status = ? AND scheduled_for <= ?
		 ORDER BY priority ASC, scheduled_for ASC
		 LIMIT ?`,
		string(job.StatusPending), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(job.StatusCompleted), string(job.StatusFailed), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		ByStatus: make(map[job.Status]int),
		ByType:   make(map[job.Type]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, job_type, COUNT(*) FROM jobs GROUP BY status, job_type`)
	if err != nil {
		return st, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, jt string
		var n int
		if err := rows.Scan(&status, &jt, &n); err != nil {
			return st, fmt.Errorf("scan stats: %w", err)
		}
		st.Total += n
		st.ByStatus[job.Status(status)] += n
		st.ByType[job.Type(jt)] += n
	}
	return st, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		idStr       string
		jt, status  string
		targetRef   sql.NullString
		payload     sql.NullString
		schedMs     int64
		att, suc    sql.NullString
		fld         sql.NullString
		errMsg      sql.NullString
		nextRetryMs sql.NullInt64
		startedMs   sql.NullInt64
		completedMs sql.NullInt64
		createdMs   int64
		updatedMs   int64
	)
	err := row.Scan(
		&idStr, &jt, &j.Priority, &status, &targetRef, &j.SourceKey, &payload,
		&schedMs, &j.AttemptCount, &j.MaxAttempts,
		&att, &suc, &fld,
		&errMsg, &nextRetryMs, &startedMs, &completedMs, &createdMs, &updatedMs,
	)
	if err != nil {
		return nil, err
	}

	j.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", idStr, err)
	}
	j.Type = job.Type(jt)
	j.Status = job.Status(status)
	if targetRef.Valid {
		v := targetRef.String
		j.TargetRef = &v
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	j.ScheduledFor = time.UnixMilli(schedMs)
	j.SourcesAttempted = sourcesFromJSON(att)
	j.SourcesSucceeded = sourcesFromJSON(suc)
	j.SourcesFailed = sourcesFromJSON(fld)
	if errMsg.Valid {
		v := errMsg.String
		j.ErrorMessage = &v
	}
	j.NextRetryAt = timeFromMillis(nextRetryMs)
	j.StartedAt = timeFromMillis(startedMs)
	j.CompletedAt = timeFromMillis(completedMs)
	j.CreatedAt = time.UnixMilli(createdMs)
	j.UpdatedAt = time.UnixMilli(updatedMs)
	return &j, nil
}

func sourcesJSON(v []string) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func sourcesFromJSON(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func timeFromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullBytes(v []byte) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func nullMillis(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}
