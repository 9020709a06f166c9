package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"drivetrain/internal/job"
	"drivetrain/internal/store"
	logx "drivetrain/pkg/logx"
)

type Scheduler struct {
	store store.Store
	log   logx.Logger
	now   func() time.Time

	// Local RNG for off-peak placement; guarded because batch creation may
	// run from several goroutines.
	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(st store.Store, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		store: st,
		log:   log,
		now:   time.Now,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CreateRequest describes one job to enqueue. Zero values take defaults:
// priority 5, scheduled immediately, 3 max attempts.
type CreateRequest struct {
	TargetRef    *string
	Type         job.Type
	Priority     int
	ScheduledFor time.Time
	SourceKey    string
	Payload      json.RawMessage
	MaxAttempts  int
}

// CreateJob persists one pending job.
func (s *Scheduler) CreateJob(ctx context.Context, req CreateRequest) (*job.Job, error) {
	if s.store == nil {
		return nil, fmt.Errorf("job store is not configured")
	}
	if strings.TrimSpace(string(req.Type)) == "" {
		return nil, fmt.Errorf("job type is required")
	}

	scheduledFor := req.ScheduledFor
	if scheduledFor.IsZero() {
		scheduledFor = s.now()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = job.DefaultMaxAttempts
	}

	j := &job.Job{
		ID:           uuid.New(),
		Type:         req.Type,
		Priority:     job.ClampPriority(req.Priority),
		Status:       job.StatusPending,
		TargetRef:    req.TargetRef,
		SourceKey:    req.SourceKey,
		Payload:      req.Payload,
		ScheduledFor: scheduledFor,
		MaxAttempts:  maxAttempts,
	}
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.log.Debug("job.created",
		logx.String("id", j.ID.String()),
		logx.String("type", string(j.Type)),
		logx.Int("priority", j.Priority),
		logx.Time("scheduled_for", j.ScheduledFor),
	)
	return j, nil
}

// BatchOptions controls spreading for batch creation.
type BatchOptions struct {
	Priority int
	// SpreadOver distributes the batch evenly across this duration.
	SpreadOver time.Duration
	// OffPeakOnly snaps each scheduled time into the off-peak window.
	OffPeakOnly bool
	Payload     json.RawMessage
	MaxAttempts int
}

// CreateBatch creates one job per target, spreading scheduled times across
// the batch window. A target whose insert fails does not abort the batch;
// the count actually created is returned.
func (s *Scheduler) CreateBatch(ctx context.Context, targets []string, jt job.Type, opt BatchOptions) (int, error) {
	return s.createSpread(ctx, targets, jt, opt, func(req *CreateRequest, target string) {
		t := target
		req.TargetRef = &t
	})
}

// ScheduleByKeys creates one job per source key, for vendor-level work with
// no single target. Spreading behaves exactly as in CreateBatch.
func (s *Scheduler) ScheduleByKeys(ctx context.Context, keys []string, jt job.Type, opt BatchOptions) (int, error) {
	return s.createSpread(ctx, keys, jt, opt, func(req *CreateRequest, key string) {
		req.SourceKey = key
	})
}

func (s *Scheduler) createSpread(ctx context.Context, items []string, jt job.Type, opt BatchOptions, bind func(*CreateRequest, string)) (int, error) {
	if strings.TrimSpace(string(jt)) == "" {
		return 0, fmt.Errorf("job type is required")
	}
	n := len(items)
	if n == 0 {
		return 0, nil
	}

	now := s.now()
	created := 0
	for i, item := range items {
		scheduledFor := now
		if opt.SpreadOver > 0 {
			scheduledFor = now.Add(time.Duration(float64(opt.SpreadOver) * float64(i) / float64(n)))
		}
		if opt.OffPeakOnly {
			scheduledFor = s.offPeak(scheduledFor, now)
		}

		req := CreateRequest{
			Type:         jt,
			Priority:     opt.Priority,
			ScheduledFor: scheduledFor,
			Payload:      opt.Payload,
			MaxAttempts:  opt.MaxAttempts,
		}
		bind(&req, item)

		if _, err := s.CreateJob(ctx, req); err != nil {
			s.log.Warn("batch job create failed",
				logx.String("type", string(jt)),
				logx.String("item", item),
				logx.Err(err),
			)
			continue
		}
		created++
	}

	s.log.Info("batch scheduled",
		logx.String("type", string(jt)),
		logx.Int("requested", n),
		logx.Int("created", created),
		logx.Duration("spread", opt.SpreadOver),
		logx.Bool("off_peak", opt.OffPeakOnly),
	)
	return created, nil
}

func (s *Scheduler) offPeak(t, now time.Time) time.Time {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return adjustOffPeak(t, now, s.rng)
}
