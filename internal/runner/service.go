package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "drivetrain/pkg/logx"
)

// ServiceConfig controls the background poll loop.
type ServiceConfig struct {
	Enabled bool
	// PollInterval is how often pending jobs are processed.
	PollInterval time.Duration
	// CleanupDays removes terminal jobs older than this many days in a daily
	// sweep. Zero disables cleanup.
	CleanupDays int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

// cleanupSpec runs the daily retention sweep inside the off-peak window.
const cleanupSpec = "30 4 * * *"

// Service owns the cron-driven poll loop around a Runner.
type Service struct {
	mu     sync.Mutex
	cfg    ServiceConfig
	runner *Runner
	log    logx.Logger

	c *cron.Cron

	// inFlight skips a poll tick while the previous one still runs.
	inFlight   atomic.Bool
	lastPollAt atomic.Int64
}

func NewService(cfg ServiceConfig, r *Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		runner: r,
		log:    log,
	}
}

// Start begins periodic processing. Safe to call once; subsequent calls are
// no-ops until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	cur := s.cfg
	if !cur.Enabled {
		s.log.Debug("runner service disabled")
		return
	}

	s.c = cron.New()
	s.c.Schedule(cron.Every(cur.PollInterval), cron.FuncJob(func() { s.poll(ctx) }))
	if cur.CleanupDays > 0 {
		days := cur.CleanupDays
		if _, err := s.c.AddFunc(cleanupSpec, func() { s.cleanup(ctx, days) }); err != nil {
			s.log.Warn("cleanup schedule rejected", logx.Err(err))
		}
	}
	s.c.Start()

	s.log.Info("runner service started",
		logx.Duration("poll_interval", cur.PollInterval),
		logx.Int("cleanup_days", cur.CleanupDays),
	)
}

// Stop halts triggering and waits for an in-flight tick, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("runner service stopped")
}

// Apply swaps config; a changed interval or enable flag restarts the loop.
func (s *Service) Apply(ctx context.Context, cfg ServiceConfig) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	changed := cfg != s.cfg
	running := s.c != nil
	s.cfg = cfg
	s.mu.Unlock()

	if !changed || !running {
		return
	}
	s.log.Info("runner service config changed, restarting")
	s.Stop(ctx)
	s.Start(ctx)
}

// LastPollAt reports when the last poll tick started (zero before the first).
func (s *Service) LastPollAt() time.Time {
	n := s.lastPollAt.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func (s *Service) poll(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Debug("poll.skipped_overlap")
		return
	}
	defer s.inFlight.Store(false)

	s.lastPollAt.Store(time.Now().UnixMilli())
	if _, err := s.runner.ProcessPending(ctx); err != nil {
		s.log.Error("poll failed", logx.Err(err))
	}
}

func (s *Service) cleanup(ctx context.Context, days int) {
	if _, err := s.runner.CleanupOldJobs(ctx, days); err != nil {
		s.log.Error("cleanup failed", logx.Err(err))
	}
}
