// Package runtracker implements the Run state machine of spec.md §4.8 on
// top of the Postgres-backed pkg/store: running → {completed, failed,
// cancelled}, terminal and absorbing, with checkpointing for crash
// recovery.
package runtracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/jobscout/pipeline-engine/pkg/logging"
	"github.com/jobscout/pipeline-engine/pkg/model"
)

// Durable is the subset of *store.Store this package depends on, so
// tests can supply an in-memory fake instead of a real Postgres
// connection.
type Durable interface {
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateStats(ctx context.Context, runID string, collected, afterDedup, matched, notified int) error
	Checkpoint(ctx context.Context, runID string, cp model.Checkpoint, recordedAt time.Time) error
	Complete(ctx context.Context, runID string, completedAt time.Time) error
	Fail(ctx context.Context, runID string, completedAt time.Time, failedStage model.Stage, errMsg, errStack string, errCtx map[string]any) error
	Cancel(ctx context.Context, runID string, completedAt time.Time) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	FailStaleRuns(ctx context.Context, now time.Time, maxAge time.Duration) (int, error)
	FindStuckRunsWithoutCheckpoint(ctx context.Context, now time.Time, minAge time.Duration) ([]*model.Run, error)
	FindInterruptedRunsWithCheckpoint(ctx context.Context) ([]*model.Run, error)
}

// Tracker drives the Run state machine. Write operations are expected to
// be called by a caller already holding the subscription's SubLock
// (spec.md §5: "RunTracker: writes are serialized per run by holding the
// SubLock").
type Tracker struct {
	store Durable
	clock clock.Clock
}

func New(store Durable, clk clock.Clock) *Tracker {
	return &Tracker{store: store, clock: clk}
}

// Start begins a new run for subscriptionID (spec.md §4.8).
func (t *Tracker) Start(ctx context.Context, subscriptionID string, trigger model.TriggerType) (*model.Run, error) {
	run := &model.Run{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		TriggerType:    trigger,
		Status:         model.RunRunning,
		StartedAt:      t.clock.Now(),
		CurrentStage:   model.StageCollection,
	}
	if err := t.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("runtracker: start run for subscription %s: %w", subscriptionID, err)
	}
	return run, nil
}

// Update applies the monotone stat counters (spec.md §4.8: "update(runId,
// stats) is idempotent on the monotone counters").
func (t *Tracker) Update(ctx context.Context, runID string, collected, afterDedup, matched, notified int) error {
	return t.store.UpdateStats(ctx, runID, collected, afterDedup, matched, notified)
}

// Checkpoint records progress for crash recovery (spec.md §4.8). MUST be
// called at the start of each stage and after any significant sub-step.
func (t *Tracker) Checkpoint(ctx context.Context, runID string, stage model.Stage, percent int, detail string, opaque map[string]any) error {
	cp := model.Checkpoint{Stage: stage, Percent: percent, Detail: detail, Opaque: opaque, RecordedAt: t.clock.Now()}
	if err := t.store.Checkpoint(ctx, runID, cp, cp.RecordedAt); err != nil {
		return fmt.Errorf("runtracker: checkpoint run %s: %w", runID, err)
	}
	return nil
}

// Complete transitions runID to completed.
func (t *Tracker) Complete(ctx context.Context, runID string) error {
	if err := t.store.Complete(ctx, runID, t.clock.Now()); err != nil {
		return fmt.Errorf("runtracker: complete run %s: %w", runID, err)
	}
	return nil
}

// Fail transitions runID to failed, recording where and why.
func (t *Tracker) Fail(ctx context.Context, runID string, failedStage model.Stage, cause error, errCtx map[string]any) error {
	msg := cause.Error()
	stack := fmt.Sprintf("%+v", cause)
	if err := t.store.Fail(ctx, runID, t.clock.Now(), failedStage, msg, stack, errCtx); err != nil {
		return fmt.Errorf("runtracker: fail run %s: %w", runID, err)
	}
	logging.FromContext(ctx).Warnw("runtracker: run failed", "runId", runID, "stage", failedStage, "error", cause)
	return nil
}

// Cancel transitions runID to cancelled (spec.md §4.2, §4.8).
func (t *Tracker) Cancel(ctx context.Context, runID string) error {
	if err := t.store.Cancel(ctx, runID, t.clock.Now()); err != nil {
		return fmt.Errorf("runtracker: cancel run %s: %w", runID, err)
	}
	return nil
}

// Get fetches one run by id.
func (t *Tracker) Get(ctx context.Context, runID string) (*model.Run, error) {
	return t.store.GetRun(ctx, runID)
}

// FailStaleRuns scans running rows older than maxAge and transitions them
// to failed with a synthetic "stale" reason (spec.md §4.8).
func (t *Tracker) FailStaleRuns(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := t.store.FailStaleRuns(ctx, t.clock.Now(), maxAge)
	if err != nil {
		return 0, fmt.Errorf("runtracker: fail stale runs: %w", err)
	}
	if n > 0 {
		logging.FromContext(ctx).Warnw("runtracker: failed stale runs", "count", n)
	}
	return n, nil
}

// FindStuckRunsWithoutCheckpoint finds running rows with no checkpoint
// for at least minAge, used on startup to flag hung collections
// (spec.md §4.8).
func (t *Tracker) FindStuckRunsWithoutCheckpoint(ctx context.Context, minAge time.Duration) ([]*model.Run, error) {
	return t.store.FindStuckRunsWithoutCheckpoint(ctx, t.clock.Now(), minAge)
}

// FindInterruptedRunsWithCheckpoint finds running rows that already made
// checkpointed progress before the process that owned them died, used on
// startup alongside FindStuckRunsWithoutCheckpoint (spec.md §4.9).
func (t *Tracker) FindInterruptedRunsWithCheckpoint(ctx context.Context) ([]*model.Run, error) {
	return t.store.FindInterruptedRunsWithCheckpoint(ctx)
}
