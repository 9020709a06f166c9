package runner

import "time"

// Snapshot is a point-in-time view of the poll service for diagnostics.
type Snapshot struct {
	Enabled      bool
	Running      bool
	PollInterval time.Duration
	CleanupDays  int
	LastPollAt   time.Time

	Processed uint64
	Succeeded uint64
	Failed    uint64
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.c != nil
	s.mu.Unlock()

	processed, succeeded, failed := s.runner.Counters()
	return Snapshot{
		Enabled:      cfg.Enabled,
		Running:      running,
		PollInterval: cfg.PollInterval,
		CleanupDays:  cfg.CleanupDays,
		LastPollAt:   s.LastPollAt(),
		Processed:    processed,
		Succeeded:    succeeded,
		Failed:       failed,
	}
}
