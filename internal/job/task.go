package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Outcome describes what a task touched and produced. Source bookkeeping is
// observability only: partial-source failure does not by itself fail the job,
// the task's returned error decides.
type Outcome struct {
	SourcesAttempted []string
	SourcesSucceeded []string
	SourcesFailed    []string
	// Payload is handed to the persistence sink on success.
	Payload json.RawMessage
}

// Task executes the work behind one job type.
type Task interface {
	Execute(ctx context.Context, j *Job) (Outcome, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context, j *Job) (Outcome, error)

func (f TaskFunc) Execute(ctx context.Context, j *Job) (Outcome, error) { return f(ctx, j) }

// Registry maps job types to tasks. It is populated at startup by the
// domain layer and read-only afterwards, so dispatch is never a runtime
// string match against unknown values.
type Registry struct {
	mu sync.RWMutex
	m  map[Type]Task
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[Type]Task)}
}

// Register installs the task for a job type. Registering the same type
// twice is a wiring bug and returns an error rather than silently replacing.
func (r *Registry) Register(t Type, task Task) error {
	if t == "" {
		return fmt.Errorf("job type is required")
	}
	if task == nil {
		return fmt.Errorf("task for %q is nil", t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[t]; dup {
		return fmt.Errorf("task for %q already registered", t)
	}
	r.m[t] = task
	return nil
}

// Resolve returns the task for a job type.
func (r *Registry) Resolve(t Type) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.m[t]
	return task, ok
}

// Types returns the registered job types, sorted for stable diagnostics.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
