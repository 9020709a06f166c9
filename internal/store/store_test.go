package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivetrain/internal/job"
	logx "drivetrain/pkg/logx"
)

func newJob(jt job.Type, priority int, scheduledFor time.Time) *job.Job {
	return &job.Job{
		ID:           uuid.New(),
		Type:         jt,
		Priority:     priority,
		Status:       job.StatusPending,
		ScheduledFor: scheduledFor,
		MaxAttempts:  job.DefaultMaxAttempts,
	}
}

// runStoreContract exercises the Store behavior every backend must share.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	t.Run("insert and get round-trip", func(t *testing.T) {
		target := "vehicle-123"
		j := newJob("vehicle_enrich", 3, now.Add(-time.Minute))
		j.TargetRef = &target
		j.SourceKey = "nhtsa"
		j.Payload = []byte(`{"vin":"1HGCM82633A004352"}`)
		require.NoError(t, s.Insert(ctx, j))

		got, err := s.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, j.ID, got.ID)
		assert.Equal(t, job.Type("vehicle_enrich"), got.Type)
		assert.Equal(t, 3, got.Priority)
		assert.Equal(t, job.StatusPending, got.Status)
		require.NotNil(t, got.TargetRef)
		assert.Equal(t, "vehicle-123", *got.TargetRef)
		assert.Equal(t, "nhtsa", got.SourceKey)
		assert.JSONEq(t, `{"vin":"1HGCM82633A004352"}`, string(got.Payload))
		assert.Equal(t, 0, got.AttemptCount)
		assert.Nil(t, got.StartedAt)
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		_, err := s.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("query pending respects due time and ordering", func(t *testing.T) {
		lowPriOld := newJob("order_a", 5, now.Add(-100*time.Second))
		highPriNew := newJob("order_a", 1, now.Add(-time.Second))
		samePriEarlier := newJob("order_a", 5, now.Add(-200*time.Second))
		future := newJob("order_a", 1, now.Add(time.Hour))
		for _, j := range []*job.Job{lowPriOld, highPriNew, samePriEarlier, future} {
			require.NoError(t, s.Insert(ctx, j))
		}

		got, err := s.QueryPending(ctx, 10, now)
		require.NoError(t, err)

		var ids []uuid.UUID
		for _, j := range got {
			if j.Type == "order_a" {
				ids = append(ids, j.ID)
				assert.False(t, j.ScheduledFor.After(now))
			}
		}
		// Highest priority first; ties broken by earliest due time.
		require.Equal(t, []uuid.UUID{highPriNew.ID, samePriEarlier.ID, lowPriOld.ID}, ids)
	})

	t.Run("claim is conditional on pending", func(t *testing.T) {
		j := newJob("claim_a", 5, now.Add(-time.Minute))
		require.NoError(t, s.Insert(ctx, j))

		claimed, err := s.Claim(ctx, j.ID, now)
		require.NoError(t, err)
		assert.Equal(t, job.StatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.AttemptCount)
		require.NotNil(t, claimed.StartedAt)

		// Second claim loses: the row is no longer pending.
		_, err = s.Claim(ctx, j.ID, now)
		assert.ErrorIs(t, err, ErrNotClaimed)

		_, err = s.Claim(ctx, uuid.New(), now)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update applies partial fields", func(t *testing.T) {
		j := newJob("update_a", 5, now)
		require.NoError(t, s.Insert(ctx, j))

		st := job.StatusFailed
		msg := "max retries exceeded: provider down"
		done := now.Add(time.Minute)
		got, err := s.Update(ctx, j.ID, Fields{
			Status:           &st,
			ErrorMessage:     &msg,
			CompletedAt:      &done,
			ClearNextRetryAt: true,
			SourcesAttempted: []string{"nhtsa", "pricing"},
			SourcesFailed:    []string{"pricing"},
		})
		require.NoError(t, err)
		assert.Equal(t, job.StatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, msg, *got.ErrorMessage)
		require.NotNil(t, got.CompletedAt)
		assert.Nil(t, got.NextRetryAt)
		assert.Equal(t, []string{"nhtsa", "pricing"}, got.SourcesAttempted)
		assert.Equal(t, []string{"pricing"}, got.SourcesFailed)
		// Untouched fields survive.
		assert.Equal(t, 5, got.Priority)

		_, err = s.Update(ctx, uuid.New(), Fields{Status: &st})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("retry fields round-trip", func(t *testing.T) {
		j := newJob("retry_a", 5, now)
		require.NoError(t, s.Insert(ctx, j))

		st := job.StatusPending
		retryAt := now.Add(2 * time.Minute)
		got, err := s.Update(ctx, j.ID, Fields{
			Status:       &st,
			ScheduledFor: &retryAt,
			NextRetryAt:  &retryAt,
		})
		require.NoError(t, err)
		require.NotNil(t, got.NextRetryAt)
		assert.WithinDuration(t, retryAt, *got.NextRetryAt, time.Millisecond)
		assert.WithinDuration(t, retryAt, got.ScheduledFor, time.Millisecond)
	})

	t.Run("delete terminal before cutoff", func(t *testing.T) {
		old := newJob("cleanup_a", 5, now)
		recent := newJob("cleanup_a", 5, now)
		pending := newJob("cleanup_a", 5, now)
		for _, j := range []*job.Job{old, recent, pending} {
			require.NoError(t, s.Insert(ctx, j))
		}

		st := job.StatusCompleted
		oldDone := now.Add(-72 * time.Hour)
		recentDone := now.Add(-time.Hour)
		_, err := s.Update(ctx, old.ID, Fields{Status: &st, CompletedAt: &oldDone})
		require.NoError(t, err)
		_, err = s.Update(ctx, recent.ID, Fields{Status: &st, CompletedAt: &recentDone})
		require.NoError(t, err)

		n, err := s.DeleteTerminalBefore(ctx, now.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = s.Get(ctx, old.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Get(ctx, recent.ID)
		assert.NoError(t, err)
		_, err = s.Get(ctx, pending.ID)
		assert.NoError(t, err)
	})

	t.Run("stats counts by status and type", func(t *testing.T) {
		j1 := newJob("stats_a", 5, now)
		j2 := newJob("stats_b", 5, now)
		require.NoError(t, s.Insert(ctx, j1))
		require.NoError(t, s.Insert(ctx, j2))

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, st.Total, 2)
		assert.GreaterOrEqual(t, st.ByStatus[job.StatusPending], 2)
		assert.GreaterOrEqual(t, st.ByType["stats_a"], 1)
		assert.GreaterOrEqual(t, st.ByType["stats_b"], 1)
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	runStoreContract(t, s)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	j := newJob("copy_a", 5, time.Now())
	require.NoError(t, s.Insert(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	got.Priority = 1
	got.SourcesFailed = append(got.SourcesFailed, "mutated")

	again, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, again.Priority)
	assert.Empty(t, again.SourcesFailed)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := OpenSQLite(SQLiteConfig{Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	runStoreContract(t, s)
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	_, err := OpenSQLite(SQLiteConfig{}, logx.Nop())
	assert.Error(t, err)
}
