package breaker

import (
	"strings"
	"sync"
	"time"

	logx "drivetrain/pkg/logx"
)

// Provider names an external dependency tracked independently by the
// registry. The empty value resolves to Default so unscoped callers share
// one circuit without sprinkling the literal around.
type Provider string

const Default Provider = "default"

func (p Provider) key() string {
	k := strings.TrimSpace(string(p))
	if k == "" {
		return string(Default)
	}
	return k
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config controls one registry instance. Zero fields take defaults.
type Config struct {
	// FailureThreshold is the in-window failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before a trial call.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the consecutive successes required to close from half-open.
	SuccessThreshold int
	// FailureWindow is the sliding window over which failures count.
	FailureWindow time.Duration
	// HalfOpenRequests caps trial calls admitted while half-open.
	HalfOpenRequests int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 120 * time.Second
	}
	if c.HalfOpenRequests <= 0 {
		c.HalfOpenRequests = 3
	}
	return c
}

type failure struct {
	at      time.Time
	summary string
}

// circuit is the per-provider state. window is an ordered deque: appends at
// the tail, pruning pops from the head, so retention is amortized O(1).
type circuit struct {
	state                State
	window               []failure
	consecutiveSuccesses int
	halfOpenAttempts     int
	openedAt             time.Time
	lastError            string

	totalCalls     uint64
	totalSuccesses uint64
	totalFailures  uint64
	circuitOpens   uint64
}

// Registry tracks circuit state per provider key.
//
// State is process-local; each worker builds its own failure picture. All
// methods are safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	now      func() time.Time
	circuits map[string]*circuit
}

func NewRegistry(cfg Config, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// circuitLocked returns the circuit for key, creating it lazily.
func (r *Registry) circuitLocked(key string) *circuit {
	c := r.circuits[key]
	if c == nil {
		c = &circuit{state: StateClosed}
		r.circuits[key] = c
	}
	return c
}

func (c *circuit) prune(cutoff time.Time) {
	i := 0
	for i < len(c.window) && !c.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		c.window = c.window[i:]
	}
}

// CanRequest reports whether a call to the provider is currently admitted.
//
// Checking admission mutates state: an open circuit whose recovery timeout
// has elapsed transitions to half-open here, and every half-open admission
// consumes one of the trial slots.
func (r *Registry) CanRequest(p Provider) bool {
	key := p.key()
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.circuitLocked(key)

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(c.openedAt) <= r.cfg.RecoveryTimeout {
			return false
		}
		c.state = StateHalfOpen
		c.halfOpenAttempts = 1
		c.consecutiveSuccesses = 0
		r.log.Info("circuit.half_open", logx.String("provider", key))
		return true
	default: // StateHalfOpen
		if c.halfOpenAttempts >= r.cfg.HalfOpenRequests {
			return false
		}
		c.halfOpenAttempts++
		return true
	}
}

// RecordSuccess records a successful call against the provider's circuit.
func (r *Registry) RecordSuccess(p Provider) {
	key := p.key()

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.circuitLocked(key)

	c.totalCalls++
	c.totalSuccesses++
	c.consecutiveSuccesses++

	if c.state == StateHalfOpen && c.consecutiveSuccesses >= r.cfg.SuccessThreshold {
		c.state = StateClosed
		c.window = nil
		c.openedAt = time.Time{}
		c.halfOpenAttempts = 0
		r.log.Info("circuit.closed", logx.String("provider", key))
	}
}

// RecordFailure records a failed call against the provider's circuit.
func (r *Registry) RecordFailure(p Provider, err error) {
	r.recordFailure(p, err)
}

// recordFailure reports whether this failure transitioned the circuit to open.
func (r *Registry) recordFailure(p Provider, err error) bool {
	key := p.key()
	now := r.now()

	summary := "unknown error"
	if err != nil {
		summary = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.circuitLocked(key)

	c.totalCalls++
	c.totalFailures++
	c.consecutiveSuccesses = 0
	c.lastError = summary
	c.window = append(c.window, failure{at: now, summary: summary})
	c.prune(now.Add(-r.cfg.FailureWindow))

	switch c.state {
	case StateClosed:
		if len(c.window) >= r.cfg.FailureThreshold {
			r.openLocked(c, key, now)
			return true
		}
	case StateHalfOpen:
		// No partial credit: a single trial failure re-opens immediately.
		r.openLocked(c, key, now)
		return true
	}
	return false
}

func (r *Registry) openLocked(c *circuit, key string, now time.Time) {
	c.state = StateOpen
	c.openedAt = now
	c.halfOpenAttempts = 0
	c.circuitOpens++
	r.log.Warn("circuit.opened",
		logx.String("provider", key),
		logx.Int("window_failures", len(c.window)),
		logx.String("last_error", c.lastError),
		logx.Duration("recovery", r.cfg.RecoveryTimeout),
	)
}

// Stats is a read-only snapshot of one provider's circuit.
type Stats struct {
	Provider             Provider
	State                State
	WindowFailures       int
	ConsecutiveSuccesses int
	HalfOpenAttempts     int
	OpenedAt             time.Time
	// RecoveryIn is the remaining wait before a half-open trial is permitted.
	// Zero unless the circuit is open.
	RecoveryIn time.Duration
	LastError  string

	TotalCalls     uint64
	TotalSuccesses uint64
	TotalFailures  uint64
	CircuitOpens   uint64
}

func (r *Registry) Stats(p Provider) Stats {
	key := p.key()
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statsLocked(key, r.circuitLocked(key), now)
}

func (r *Registry) AllStats() map[Provider]Stats {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Provider]Stats, len(r.circuits))
	for key, c := range r.circuits {
		out[Provider(key)] = r.statsLocked(key, c, now)
	}
	return out
}

func (r *Registry) statsLocked(key string, c *circuit, now time.Time) Stats {
	c.prune(now.Add(-r.cfg.FailureWindow))

	st := Stats{
		Provider:             Provider(key),
		State:                c.state,
		WindowFailures:       len(c.window),
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		HalfOpenAttempts:     c.halfOpenAttempts,
		OpenedAt:             c.openedAt,
		LastError:            c.lastError,
		TotalCalls:           c.totalCalls,
		TotalSuccesses:       c.totalSuccesses,
		TotalFailures:        c.totalFailures,
		CircuitOpens:         c.circuitOpens,
	}
	if c.state == StateOpen {
		if rem := r.cfg.RecoveryTimeout - now.Sub(c.openedAt); rem > 0 {
			st.RecoveryIn = rem
		}
	}
	return st
}

// Reset forces the provider's circuit closed with a cleared failure window.
// Monotonic counters are kept.
func (r *Registry) Reset(p Provider) {
	key := p.key()

	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.circuits[key]
	if c == nil {
		return
	}
	r.resetLocked(c)
	r.log.Info("circuit.reset", logx.String("provider", key))
}

// ResetAll forces every tracked circuit closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.circuits {
		r.resetLocked(c)
		r.log.Info("circuit.reset", logx.String("provider", key))
	}
}

func (r *Registry) resetLocked(c *circuit) {
	c.state = StateClosed
	c.window = nil
	c.openedAt = time.Time{}
	c.halfOpenAttempts = 0
	c.consecutiveSuccesses = 0
}

// state returns the provider's current state without mutating it.
func (r *Registry) state(p Provider) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.circuitLocked(p.key()).state
}
