package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "drivetrain/pkg/logx"
)

func newTestExecutor(cfg Config) (*Executor, *fakeClock) {
	r, clk := newTestRegistry(cfg)
	return NewExecutor(r, logx.Nop()), clk
}

func TestExecuteSuccessRecords(t *testing.T) {
	ex, _ := newTestExecutor(Config{})

	res, err := ex.Execute(context.Background(), "vin", func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, StateClosed, res.State)
	assert.False(t, res.UsedFallback)

	st := ex.Registry().Stats("vin")
	assert.Equal(t, uint64(1), st.TotalSuccesses)
}

func TestExecuteFailurePropagatesAndRecords(t *testing.T) {
	ex, _ := newTestExecutor(Config{})
	boom := errors.New("boom")

	_, err := ex.Execute(context.Background(), "vin", func(ctx context.Context) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), ex.Registry().Stats("vin").TotalFailures)
}

func TestExecuteOpenCircuitRaisesWithoutInvokingTask(t *testing.T) {
	ex, _ := newTestExecutor(Config{})
	failN(ex.Registry(), "p", 5)

	invoked := false
	_, err := ex.Execute(context.Background(), "p", func(ctx context.Context) (any, error) {
		invoked = true
		return nil, nil
	})
	require.Error(t, err)
	assert.False(t, invoked)

	var oe *OpenError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, Provider("p"), oe.Provider)
	assert.Equal(t, StateOpen, oe.State)
	assert.Greater(t, oe.RecoveryIn, time.Duration(0))
	// Rejection is not a call: no stats movement.
	assert.Equal(t, uint64(5), ex.Registry().Stats("p").TotalCalls)
}

func TestExecuteOpenCircuitUsesFallback(t *testing.T) {
	ex, _ := newTestExecutor(Config{})
	failN(ex.Registry(), "p", 5)

	res, err := ex.Execute(context.Background(), "p",
		func(ctx context.Context) (any, error) { return nil, errors.New("task must not run") },
		WithFallback(func(ctx context.Context) (any, error) { return "cached", nil }),
	)
	require.NoError(t, err)
	assert.Equal(t, "cached", res.Value)
	assert.True(t, res.UsedFallback)
	assert.True(t, res.Rejected)

	var oe *OpenError
	require.True(t, errors.As(res.OriginalErr, &oe))
}

func TestExecuteOpenCircuitFallbackFailureSignalsOpen(t *testing.T) {
	ex, _ := newTestExecutor(Config{})
	failN(ex.Registry(), "p", 5)

	_, err := ex.Execute(context.Background(), "p",
		func(ctx context.Context) (any, error) { return nil, nil },
		WithFallback(func(ctx context.Context) (any, error) { return nil, errors.New("cache miss") }),
	)
	var oe *OpenError
	require.True(t, errors.As(err, &oe))
}

func TestExecuteWithoutOpenErrorReturnsStructuredResult(t *testing.T) {
	ex, _ := newTestExecutor(Config{})
	failN(ex.Registry(), "p", 5)

	res, err := ex.Execute(context.Background(), "p",
		func(ctx context.Context) (any, error) { return nil, nil },
		WithoutOpenError(),
	)
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	assert.Equal(t, StateOpen, res.State)

	var oe *OpenError
	require.True(t, errors.As(res.OriginalErr, &oe))
}

func TestExecuteFallbackOnFailureThatOpensCircuit(t *testing.T) {
	ex, _ := newTestExecutor(Config{})
	boom := errors.New("boom")
	failN(ex.Registry(), "p", 4)

	// The fifth failure trips the circuit; the fallback result is returned
	// annotated with the original error.
	res, err := ex.Execute(context.Background(), "p",
		func(ctx context.Context) (any, error) { return nil, boom },
		WithFallback(func(ctx context.Context) (any, error) { return "stale", nil }),
	)
	require.NoError(t, err)
	assert.Equal(t, "stale", res.Value)
	assert.True(t, res.UsedFallback)
	assert.ErrorIs(t, res.OriginalErr, boom)
	assert.Equal(t, StateOpen, ex.Registry().Stats("p").State)
}

func TestExecuteFallbackNotUsedWhileCircuitStillClosed(t *testing.T) {
	ex, _ := newTestExecutor(Config{})
	boom := errors.New("boom")

	_, err := ex.Execute(context.Background(), "p",
		func(ctx context.Context) (any, error) { return nil, boom },
		WithFallback(func(ctx context.Context) (any, error) { return "stale", nil }),
	)
	assert.ErrorIs(t, err, boom)
}

func TestHalfOpenTrialSuccessThroughExecutor(t *testing.T) {
	ex, clk := newTestExecutor(Config{SuccessThreshold: 2})
	failN(ex.Registry(), "p", 5)
	clk.advance(61 * time.Second)

	for i := 0; i < 2; i++ {
		res, err := ex.Execute(context.Background(), "p", func(ctx context.Context) (any, error) {
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, StateHalfOpen, res.State)
	}
	assert.Equal(t, StateClosed, ex.Registry().Stats("p").State)
}
