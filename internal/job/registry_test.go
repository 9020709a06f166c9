package job

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("vehicle_enrich", TaskFunc(func(ctx context.Context, j *Job) (Outcome, error) {
		return Outcome{}, nil
	})))

	task, ok := r.Resolve("vehicle_enrich")
	assert.True(t, ok)
	assert.NotNil(t, task)

	_, ok = r.Resolve("unknown")
	assert.False(t, ok)
}

func TestRegistryRejectsDuplicatesAndNil(t *testing.T) {
	r := NewRegistry()
	noop := TaskFunc(func(ctx context.Context, j *Job) (Outcome, error) { return Outcome{}, nil })

	require.NoError(t, r.Register("a", noop))
	assert.Error(t, r.Register("a", noop))
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("b", nil))
}

func TestRegistryTypesSorted(t *testing.T) {
	r := NewRegistry()
	noop := TaskFunc(func(ctx context.Context, j *Job) (Outcome, error) { return Outcome{}, nil })
	require.NoError(t, r.Register("b", noop))
	require.NoError(t, r.Register("a", noop))

	assert.Equal(t, []Type{"a", "b"}, r.Types())
}

func TestClampPriority(t *testing.T) {
	assert.Equal(t, PriorityDefault, ClampPriority(0))
	assert.Equal(t, PriorityHighest, ClampPriority(-3))
	assert.Equal(t, PriorityLowest, ClampPriority(42))
	assert.Equal(t, 7, ClampPriority(7))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}
