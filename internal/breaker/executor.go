package breaker

import (
	"context"

	logx "drivetrain/pkg/logx"
)

// Fn is one unit of work executed under circuit protection.
type Fn func(ctx context.Context) (any, error)

// Result describes the outcome of an Executor call.
type Result struct {
	Value    any
	Provider Provider
	// State is the circuit state observed when the call was admitted (or rejected).
	State State
	// UsedFallback is set when Value came from the fallback, not the task.
	UsedFallback bool
	// Rejected is set when admission was denied before the task ran.
	Rejected bool
	// OriginalErr carries the task error (or the admission OpenError) when a
	// fallback result or a suppressed rejection is returned.
	OriginalErr error
}

type callOptions struct {
	fallback  Fn
	openAsErr bool
}

type CallOption func(*callOptions)

// WithFallback runs fn when the task cannot run (circuit open) or when the
// task's failure just opened the circuit. Graceful degradation, not retry.
func WithFallback(fn Fn) CallOption {
	return func(o *callOptions) { o.fallback = fn }
}

// WithoutOpenError makes a rejected call return a structured Result instead
// of an *OpenError.
func WithoutOpenError() CallOption {
	return func(o *callOptions) { o.openAsErr = false }
}

// Executor runs units of work under a registry's admission control.
type Executor struct {
	reg *Registry
	log logx.Logger
}

func NewExecutor(reg *Registry, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{reg: reg, log: log}
}

// Registry returns the registry backing this executor.
func (e *Executor) Registry() *Registry { return e.reg }

// Execute runs fn under circuit protection for the provider.
//
// Every call mutates exactly one circuit (by provider key):
//   - rejected: no recording, optional fallback;
//   - success: RecordSuccess;
//   - failure: RecordFailure, then fallback only if that failure just opened
//     the circuit.
func (e *Executor) Execute(ctx context.Context, p Provider, fn Fn, opts ...CallOption) (Result, error) {
	o := callOptions{openAsErr: true}
	for _, opt := range opts {
		opt(&o)
	}

	if !e.reg.CanRequest(p) {
		st := e.reg.Stats(p)
		openErr := &OpenError{Provider: p, State: st.State, OpenedAt: st.OpenedAt, RecoveryIn: st.RecoveryIn}

		if o.fallback != nil {
			v, ferr := o.fallback(ctx)
			if ferr == nil {
				return Result{Value: v, Provider: p, State: st.State, UsedFallback: true, Rejected: true, OriginalErr: openErr}, nil
			}
			// Fallback failure is reported; the open condition is what is signaled.
			e.log.Warn("guard.fallback_failed", logx.String("provider", p.key()), logx.Err(ferr))
		}
		if !o.openAsErr {
			return Result{Provider: p, State: st.State, Rejected: true, OriginalErr: openErr}, nil
		}
		return Result{}, openErr
	}

	state := e.reg.state(p)
	v, err := fn(ctx)
	if err == nil {
		e.reg.RecordSuccess(p)
		return Result{Value: v, Provider: p, State: state}, nil
	}

	opened := e.reg.recordFailure(p, err)
	if opened && o.fallback != nil {
		fv, ferr := o.fallback(ctx)
		if ferr == nil {
			return Result{Value: fv, Provider: p, State: StateOpen, UsedFallback: true, OriginalErr: err}, nil
		}
		e.log.Warn("guard.fallback_failed", logx.String("provider", p.key()), logx.Err(ferr))
	}
	return Result{}, err
}
