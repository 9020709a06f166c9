package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"drivetrain/internal/job"
)

// Memory is a mutex-guarded in-memory Store. Used by tests and embedded
// single-process deployments where durability is not required.
type Memory struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job.Job
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{jobs: make(map[uuid.UUID]*job.Job)}
}

func (m *Memory) Insert(ctx context.Context, j *job.Job) error {
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = now
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *Memory) Update(ctx context.Context, id uuid.UUID, f Fields) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	if f.Status != nil {
		j.Status = *f.Status
	}
	if f.ScheduledFor != nil {
		j.ScheduledFor = *f.ScheduledFor
	}
	if f.ErrorMessage != nil {
		msg := *f.ErrorMessage
		j.ErrorMessage = &msg
	}
	if f.CompletedAt != nil {
		at := *f.CompletedAt
		j.CompletedAt = &at
	}
	if f.NextRetryAt != nil {
		at := *f.NextRetryAt
		j.NextRetryAt = &at
	} else if f.ClearNextRetryAt {
		j.NextRetryAt = nil
	}
	if f.SourcesAttempted != nil {
		j.SourcesAttempted = append([]string(nil), f.SourcesAttempted...)
	}
	if f.SourcesSucceeded != nil {
		j.SourcesSucceeded = append([]string(nil), f.SourcesSucceeded...)
	}
	if f.SourcesFailed != nil {
		j.SourcesFailed = append([]string(nil), f.SourcesFailed...)
	}
	j.UpdatedAt = time.Now()
	return cloneJob(j), nil
}

func (m *Memory) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != job.StatusPending {
		return nil, ErrNotClaimed
	}
	j.Status = job.StatusRunning
	started := now
	j.StartedAt = &started
	j.AttemptCount++
	j.UpdatedAt = now
	return cloneJob(j), nil
}

func (m *Memory) QueryPending(ctx context.Context, limit int, now time.Time) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*job.Job
	for _, j := range m.jobs {
		if j.Status == job.StatusPending && !j.ScheduledFor.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority < due[b].Priority
		}
		return due[a].ScheduledFor.Before(due[b].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*job.Job, len(due))
	for i, j := range due {
		out[i] = cloneJob(j)
	}
	return out, nil
}

func (m *Memory) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{
		ByStatus: make(map[job.Status]int),
		ByType:   make(map[job.Type]int),
	}
	for _, j := range m.jobs {
		st.Total++
		st.ByStatus[j.Status]++
		st.ByType[j.Type]++
	}
	return st, nil
}

func (m *Memory) Close() error { return nil }

func cloneJob(j *job.Job) *job.Job {
	cp := *j
	cp.SourcesAttempted = append([]string(nil), j.SourcesAttempted...)
	cp.SourcesSucceeded = append([]string(nil), j.SourcesSucceeded...)
	cp.SourcesFailed = append([]string(nil), j.SourcesFailed...)
	cp.Payload = append([]byte(nil), j.Payload...)
	if j.TargetRef != nil {
		v := *j.TargetRef
		cp.TargetRef = &v
	}
	if j.ErrorMessage != nil {
		v := *j.ErrorMessage
		cp.ErrorMessage = &v
	}
	if j.NextRetryAt != nil {
		v := *j.NextRetryAt
		cp.NextRetryAt = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		cp.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}
