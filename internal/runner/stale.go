package runner

import (
	"context"
	"fmt"
	"time"

	"drivetrain/internal/job"
	"drivetrain/internal/scheduler"
	logx "drivetrain/pkg/logx"
)

// FreshnessReport is the verdict for one target.
type FreshnessReport struct {
	OverallFresh bool
	// StaleSources lists the per-source keys that are out of date, when the
	// oracle can tell. May be empty even when OverallFresh is false.
	StaleSources []string
}

// FreshnessOracle decides whether a target's enrichment data is current.
type FreshnessOracle interface {
	CheckFreshness(ctx context.Context, targetRef string, maxAge time.Duration) (FreshnessReport, error)
}

// TargetSource enumerates candidate target references for refresh sweeps.
type TargetSource interface {
	ListTargets(ctx context.Context, limit int) ([]string, error)
}

// StaleOptions tunes a refresh sweep. Zero values take defaults: 7 days max
// age, 100 candidates, lowest priority.
type StaleOptions struct {
	MaxAge   time.Duration
	Limit    int
	Priority int
}

func (o StaleOptions) withDefaults() StaleOptions {
	if o.MaxAge <= 0 {
		o.MaxAge = 7 * 24 * time.Hour
	}
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Priority <= 0 {
		o.Priority = job.PriorityLowest
	}
	return o
}

// staleSpreadWindow is how far refresh batches are spread out; combined with
// off-peak placement so sweeps never compete with interactive traffic.
const staleSpreadWindow = 48 * time.Hour

// ScheduleStaleRefresh asks the oracle about each candidate target and
// batch-schedules refresh jobs for the stale ones, spread over 48h in the
// off-peak window. Oracle errors skip the target rather than aborting the
// sweep. Returns the number of jobs created.
func (r *Runner) ScheduleStaleRefresh(ctx context.Context, targets TargetSource, oracle FreshnessOracle, jt job.Type, opt StaleOptions) (int, error) {
	if r.sched == nil {
		return 0, fmt.Errorf("scheduler is not configured")
	}
	if targets == nil || oracle == nil {
		return 0, fmt.Errorf("target source and freshness oracle are required")
	}
	opt = opt.withDefaults()

	refs, err := targets.ListTargets(ctx, opt.Limit)
	if err != nil {
		return 0, fmt.Errorf("list refresh targets: %w", err)
	}

	stale := make([]string, 0, len(refs))
	for _, ref := range refs {
		rep, err := oracle.CheckFreshness(ctx, ref, opt.MaxAge)
		if err != nil {
			r.log.Warn("freshness check failed", logx.String("target", ref), logx.Err(err))
			continue
		}
		if !rep.OverallFresh {
			stale = append(stale, ref)
		}
	}
	if len(stale) == 0 {
		r.log.Debug("refresh.none_stale", logx.Int("checked", len(refs)))
		return 0, nil
	}

	created, err := r.sched.CreateBatch(ctx, stale, jt, scheduler.BatchOptions{
		Priority:    opt.Priority,
		SpreadOver:  staleSpreadWindow,
		OffPeakOnly: true,
	})
	if err != nil {
		return created, fmt.Errorf("schedule stale refresh: %w", err)
	}

	r.log.Info("refresh.scheduled",
		logx.Int("checked", len(refs)),
		logx.Int("stale", len(stale)),
		logx.Int("created", created),
	)
	return created, nil
}
