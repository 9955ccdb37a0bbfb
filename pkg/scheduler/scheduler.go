// Package scheduler implements the tick loop of spec.md §4.9: scan for
// due subscriptions, acquire the per-subscription lock, advance
// nextRunAt before any work starts, and drive the pipeline — plus the
// cleanup sweep and startup recovery that keep a crash from wedging a
// subscription forever.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	pipelineerrors "github.com/jobscout/pipeline-engine/pkg/errors"
	"github.com/jobscout/pipeline-engine/pkg/logging"
	"github.com/jobscout/pipeline-engine/pkg/model"
	"github.com/jobscout/pipeline-engine/pkg/pipeline"
	"github.com/jobscout/pipeline-engine/pkg/runtracker"
	"github.com/jobscout/pipeline-engine/pkg/sublock"
)

// TickInterval and CleanupInterval are the two background loop periods
// named in spec.md §4.9.
const (
	TickInterval    = time.Minute
	CleanupInterval = 5 * time.Minute
)

// Durable is the subset of *store.Store the Scheduler reads/writes
// directly, distinct from what it hands off to pipeline.Driver/runtracker.
type Durable interface {
	ListDueSubscriptions(ctx context.Context, now time.Time, limit int) ([]*model.Subscription, error)
	AdvanceNextRun(ctx context.Context, subscriptionID string, nextRunAt, lastSearchAt time.Time) error
}

// Scheduler owns the tick/cleanup loops for one process.
type Scheduler struct {
	store   Durable
	lock    *sublock.SubLock
	tracker *runtracker.Tracker
	driver  *pipeline.Driver
	clock   clock.Clock

	jobInterval time.Duration
	lockTTL     time.Duration
	maxPerTick  int
	stuckAfter  time.Duration
	staleAfter  time.Duration

	// ticking guards against a tick that overruns its own period from
	// overlapping with the next one (spec.md §4.9: "non-reentrant — a
	// tick still running when the next one fires is skipped, not queued").
	ticking atomic.Bool
}

// Config bundles the Scheduler's tunables (spec.md §6).
type Config struct {
	JobInterval time.Duration
	LockTTL     time.Duration
	MaxPerTick  int
	StuckAfter  time.Duration
	StaleAfter  time.Duration
}

// New constructs a Scheduler.
func New(store Durable, lock *sublock.SubLock, tracker *runtracker.Tracker, driver *pipeline.Driver, clk clock.Clock, cfg Config) *Scheduler {
	return &Scheduler{
		store: store, lock: lock, tracker: tracker, driver: driver, clock: clk,
		jobInterval: cfg.JobInterval, lockTTL: cfg.LockTTL, maxPerTick: cfg.MaxPerTick,
		stuckAfter: cfg.StuckAfter, staleAfter: cfg.StaleAfter,
	}
}

// Run drives the tick and cleanup loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	tickTicker := s.clock.NewTicker(TickInterval)
	defer tickTicker.Stop()
	cleanupTicker := s.clock.NewTicker(CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tickTicker.C():
			go s.tick(ctx)
		case <-cleanupTicker.C():
			s.cleanup(ctx)
		}
	}
}

// tick implements spec.md §4.9's per-minute scan. Non-reentrant: if the
// previous tick is still running, this one is skipped entirely.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		logging.FromContext(ctx).Debugw("scheduler: tick skipped, previous tick still running")
		return
	}
	defer s.ticking.Store(false)

	log := logging.FromContext(ctx)
	now := s.clock.Now()
	due, err := s.store.ListDueSubscriptions(ctx, now, s.maxPerTick)
	if err != nil {
		log.Errorw("scheduler: listing due subscriptions failed", "error", err)
		return
	}

	for _, sub := range due {
		s.runOne(ctx, sub, now)
	}
}

func (s *Scheduler) runOne(ctx context.Context, sub *model.Subscription, now time.Time) {
	log := logging.FromContext(ctx)

	if !s.lock.Acquire(ctx, sub.ID, s.lockTTL) {
		log.Debugw("scheduler: subscription already locked, skipping this tick", "subscriptionId", sub.ID)
		return
	}
	defer s.lock.Release(ctx, sub.ID)

	// nextRunAt is advanced before any work starts (spec.md §5), so a
	// crash mid-run never causes the same subscription to be retried on
	// every subsequent tick forever.
	nextRunAt := now.Add(s.jobInterval)
	if err := s.store.AdvanceNextRun(ctx, sub.ID, nextRunAt, now); err != nil {
		log.Errorw("scheduler: failed to advance nextRunAt, skipping this run to avoid a tight retry loop",
			"subscriptionId", sub.ID, "error", err)
		return
	}

	run, err := s.tracker.Start(ctx, sub.ID, model.TriggerScheduled)
	if err != nil {
		log.Errorw("scheduler: failed to start run", "subscriptionId", sub.ID, "error", err)
		return
	}

	if err := s.driver.Run(ctx, sub, run); err != nil {
		if pipelineerrors.Is(err, pipelineerrors.ErrCancelled) {
			if cerr := s.tracker.Cancel(ctx, run.ID); cerr != nil {
				log.Errorw("scheduler: failed to record cancellation", "runId", run.ID, "error", cerr)
			}
			return
		}
		failedStage := run.CurrentStage
		if latest, gerr := s.tracker.Get(ctx, run.ID); gerr == nil {
			failedStage = latest.CurrentStage
		}
		errCtx := map[string]any{"subscriptionId": sub.ID}
		if cerr := s.tracker.Fail(ctx, run.ID, failedStage, err, errCtx); cerr != nil {
			log.Errorw("scheduler: failed to record run failure", "runId", run.ID, "error", cerr)
		}
		return
	}

	if err := s.tracker.Complete(ctx, run.ID); err != nil {
		log.Errorw("scheduler: failed to record run completion", "runId", run.ID, "error", err)
	}
}

// cleanup implements spec.md §4.9's five-minute sweep: fail any run stuck
// in "running" past staleAfter wall-clock age.
func (s *Scheduler) cleanup(ctx context.Context) {
	n, err := s.tracker.FailStaleRuns(ctx, s.staleAfter)
	if err != nil {
		logging.FromContext(ctx).Errorw("scheduler: cleanup sweep failed", "error", err)
	} else if n > 0 {
		logging.FromContext(ctx).Infow("scheduler: cleanup sweep failed stale runs", "count", n)
	}
}

// RecoverOnStartup implements spec.md §4.9's startup recovery: runs left
// "running" by a process that died are failed with a descriptive reason,
// their locks released (the lock's TTL would eventually expire it
// anyway, but this makes the subscription immediately schedulable again),
// and nextRunAt is reset to now so the next tick retries them promptly.
func (s *Scheduler) RecoverOnStartup(ctx context.Context) error {
	log := logging.FromContext(ctx)
	now := s.clock.Now()

	staleN, err := s.tracker.FailStaleRuns(ctx, s.staleAfter)
	if err != nil {
		return fmt.Errorf("scheduler: startup recovery, failing stale runs: %w", err)
	}
	if staleN > 0 {
		log.Warnw("scheduler: startup recovery failed stale runs", "count", staleN)
	}

	// Startup recovery has two distinct buckets (spec.md §4.9): runs
	// interrupted mid-flight that had already checkpointed progress, and
	// runs that never got as far as a checkpoint and have been running
	// too long to still be legitimate. The former has no age floor — a
	// run interrupted seconds before restart is still interrupted — the
	// latter is only flagged once it's been running longer than stuckAfter.
	interrupted, err := s.tracker.FindInterruptedRunsWithCheckpoint(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: startup recovery, finding interrupted runs: %w", err)
	}
	stuck, err := s.tracker.FindStuckRunsWithoutCheckpoint(ctx, s.stuckAfter)
	if err != nil {
		return fmt.Errorf("scheduler: startup recovery, finding stuck runs: %w", err)
	}

	type recoverable struct {
		run    *model.Run
		reason string
	}
	toRecover := make([]recoverable, 0, len(interrupted)+len(stuck))
	for _, run := range interrupted {
		toRecover = append(toRecover, recoverable{run: run, reason: "server_restart"})
	}
	for _, run := range stuck {
		toRecover = append(toRecover, recoverable{run: run, reason: "stuck_no_progress"})
	}

	// Each recovered run is independent; one failing to transition
	// shouldn't stop recovery from reaching the rest. multierr collects
	// every per-run failure so the closing warning lists all of them, not
	// just the first (the teacher's cloudprovider package uses the same
	// library to combine errors from otherwise-independent per-node
	// operations).
	var errs error
	for _, rec := range toRecover {
		run, reason := rec.run, rec.reason
		errCtx := map[string]any{"reason": reason}
		if run.Checkpoint != nil {
			errCtx["lastCheckpointStage"] = string(run.Checkpoint.Stage)
			errCtx["lastCheckpointDetail"] = run.Checkpoint.Detail
		}
		if err := s.tracker.Fail(ctx, run.ID, run.CurrentStage, fmt.Errorf("%s", reason), errCtx); err != nil {
			log.Errorw("scheduler: startup recovery failed to mark run failed", "runId", run.ID, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("run %s: %w", run.ID, err))
			continue
		}
		s.lock.Release(ctx, run.SubscriptionID)
		if err := s.store.AdvanceNextRun(ctx, run.SubscriptionID, now, now); err != nil {
			log.Errorw("scheduler: startup recovery failed to reset nextRunAt", "subscriptionId", run.SubscriptionID, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("subscription %s: %w", run.SubscriptionID, err))
		}
		log.Warnw("scheduler: startup recovery failed an interrupted run", "runId", run.ID, "reason", reason)
	}
	if errs != nil {
		// Individually logged above; logged once more here as one combined
		// warning. Per-run failures do not make RecoverOnStartup return an
		// error, so unlike the earlier store-level errors they are not fatal.
		log.Warnw("scheduler: startup recovery finished with per-run errors", "error", errs)
	}
	return nil
}
