package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jobscout/pipeline-engine/pkg/model"
)

type runRow struct {
	ID                string     `db:"id"`
	SubscriptionID    string     `db:"subscription_id"`
	TriggerType       string     `db:"trigger_type"`
	Status            string     `db:"status"`
	StartedAt         time.Time  `db:"started_at"`
	CompletedAt       *time.Time `db:"completed_at"`
	DurationMs        *int64     `db:"duration_ms"`
	JobsCollected     int        `db:"jobs_collected"`
	JobsAfterDedup    int        `db:"jobs_after_dedup"`
	JobsMatched       int        `db:"jobs_matched"`
	NotificationsSent int        `db:"notifications_sent"`
	CurrentStage      *string    `db:"current_stage"`
	ProgressPercent   int        `db:"progress_percent"`
	ProgressDetail    *string    `db:"progress_detail"`
	FailedStage       *string    `db:"failed_stage"`
	ErrorMessage      *string    `db:"error_message"`
	ErrorStack        *string    `db:"error_stack"`
	ErrorContext      []byte     `db:"error_context"`
	Checkpoint        []byte     `db:"checkpoint"`
	CheckpointAt      *time.Time `db:"checkpoint_at"`
}

func (r runRow) toModel() (*model.Run, error) {
	run := &model.Run{
		ID:                r.ID,
		SubscriptionID:    r.SubscriptionID,
		TriggerType:       model.TriggerType(r.TriggerType),
		Status:            model.RunStatus(r.Status),
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
		DurationMs:        r.DurationMs,
		JobsCollected:     r.JobsCollected,
		JobsAfterDedup:    r.JobsAfterDedup,
		JobsMatched:       r.JobsMatched,
		NotificationsSent: r.NotificationsSent,
		ProgressPercent:   r.ProgressPercent,
		ErrorMessage:      r.ErrorMessage,
		ErrorStack:        r.ErrorStack,
	}
	if r.CurrentStage != nil {
		run.CurrentStage = model.Stage(*r.CurrentStage)
	}
	if r.ProgressDetail != nil {
		run.ProgressDetail = *r.ProgressDetail
	}
	if r.FailedStage != nil {
		s := model.Stage(*r.FailedStage)
		run.FailedStage = &s
	}
	if len(r.ErrorContext) > 0 {
		if err := json.Unmarshal(r.ErrorContext, &run.ErrorContext); err != nil {
			return nil, fmt.Errorf("store: decoding run %s error_context: %w", r.ID, err)
		}
	}
	if len(r.Checkpoint) > 0 {
		// The checkpoint column holds only cp.Opaque (see Checkpoint); the
		// stage, percent and detail come from their own columns.
		cp := model.Checkpoint{Stage: run.CurrentStage, Percent: r.ProgressPercent, Detail: run.ProgressDetail}
		if err := json.Unmarshal(r.Checkpoint, &cp.Opaque); err != nil {
			return nil, fmt.Errorf("store: decoding run %s checkpoint: %w", r.ID, err)
		}
		if r.CheckpointAt != nil {
			cp.RecordedAt = *r.CheckpointAt
		}
		run.Checkpoint = &cp
	}
	return run, nil
}

// CreateRun inserts a new running Run row (spec.md §4.8: RunTracker start).
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, subscription_id, trigger_type, status, started_at, current_stage, progress_percent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.SubscriptionID, run.TriggerType, model.RunRunning, run.StartedAt, string(run.CurrentStage), run.ProgressPercent)
	if err != nil {
		return fmt.Errorf("store: create run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateStats applies monotone counter increments; idempotent because
// each call supplies absolute totals, not deltas (spec.md §4.8:
// "update(runId, stats) is idempotent on the monotone counters").
func (s *Store) UpdateStats(ctx context.Context, runID string, collected, afterDedup, matched, notified int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			jobs_collected = GREATEST(jobs_collected, $2),
			jobs_after_dedup = GREATEST(jobs_after_dedup, $3),
			jobs_matched = GREATEST(jobs_matched, $4),
			notifications_sent = GREATEST(notifications_sent, $5)
		WHERE id = $1`, runID, collected, afterDedup, matched, notified)
	if err != nil {
		return fmt.Errorf("store: update stats for run %s: %w", runID, err)
	}
	return nil
}

// Checkpoint persists progress for crash recovery (spec.md §4.8).
func (s *Store) Checkpoint(ctx context.Context, runID string, cp model.Checkpoint, recordedAt time.Time) error {
	raw, err := json.Marshal(cp.Opaque)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET current_stage = $2, progress_percent = $3, progress_detail = $4,
			checkpoint = $5, checkpoint_at = $6
		WHERE id = $1`,
		runID, string(cp.Stage), cp.Percent, cp.Detail, raw, recordedAt)
	if err != nil {
		return fmt.Errorf("store: checkpoint run %s: %w", runID, err)
	}
	return nil
}

// Complete transitions a run to completed (spec.md §4.8).
func (s *Store) Complete(ctx context.Context, runID string, completedAt time.Time) error {
	return s.terminalTransition(ctx, runID, model.RunCompleted, completedAt, nil, nil, nil, nil)
}

// Fail transitions a run to failed, recording where and why.
func (s *Store) Fail(ctx context.Context, runID string, completedAt time.Time, failedStage model.Stage, errMsg, errStack string, errCtx map[string]any) error {
	return s.terminalTransition(ctx, runID, model.RunFailed, completedAt, &failedStage, &errMsg, &errStack, errCtx)
}

// Cancel transitions a run to cancelled (spec.md §4.2, §4.8).
func (s *Store) Cancel(ctx context.Context, runID string, completedAt time.Time) error {
	return s.terminalTransition(ctx, runID, model.RunCancelled, completedAt, nil, nil, nil, nil)
}

func (s *Store) terminalTransition(ctx context.Context, runID string, status model.RunStatus, completedAt time.Time, failedStage *model.Stage, errMsg, errStack *string, errCtx map[string]any) error {
	var stage *string
	if failedStage != nil {
		v := string(*failedStage)
		stage = &v
	}
	var ctxRaw []byte
	if errCtx != nil {
		raw, err := json.Marshal(errCtx)
		if err != nil {
			return err
		}
		ctxRaw = raw
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = $2, completed_at = $3, duration_ms = $4,
			failed_stage = $5, error_message = $6, error_stack = $7, error_context = $8
		WHERE id = $1 AND status = 'running'`,
		runID, string(status), completedAt,
		completedAt.Sub(mustStartedAt(ctx, s, runID)).Milliseconds(),
		stage, errMsg, errStack, ctxRaw)
	if err != nil {
		return fmt.Errorf("store: terminal transition for run %s: %w", runID, err)
	}
	return nil
}

func mustStartedAt(ctx context.Context, s *Store, runID string) time.Time {
	var startedAt time.Time
	_ = s.db.GetContext(ctx, &startedAt, `SELECT started_at FROM runs WHERE id = $1`, runID)
	return startedAt
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var row runRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("store: get run %s: %w", id, err)
	}
	return row.toModel()
}

// FailStaleRuns transitions running rows older than maxAge to failed with
// a synthetic "stale" reason (spec.md §4.8).
func (s *Store) FailStaleRuns(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'failed', completed_at = $1,
			duration_ms = EXTRACT(EPOCH FROM ($1 - started_at)) * 1000,
			error_message = 'stale'
		WHERE status = 'running' AND started_at < $2`,
		now, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("store: fail stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListRecentFailedRuns returns the most recent failed runs across all
// subscriptions, newest first, for the control surface's diagnostics
// endpoint (spec.md §6: "diagnostics() returns ... recent failures").
func (s *Store) ListRecentFailedRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runs
		WHERE status = 'failed'
		ORDER BY completed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list recent failed runs: %w", err)
	}
	out := make([]*model.Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// FindStuckRunsWithoutCheckpoint finds running rows that never recorded a
// checkpoint and have been running for at least minAge, for startup
// recovery's "stuck, no progress" bucket (spec.md §4.9).
func (s *Store) FindStuckRunsWithoutCheckpoint(ctx context.Context, now time.Time, minAge time.Duration) ([]*model.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runs
		WHERE status = 'running'
		  AND checkpoint_at IS NULL
		  AND started_at < $1`,
		now.Add(-minAge))
	if err != nil {
		return nil, fmt.Errorf("store: find stuck runs: %w", err)
	}
	out := make([]*model.Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

// FindInterruptedRunsWithCheckpoint finds running rows that had already
// recorded a checkpoint when the process that owned them died, for startup
// recovery's "interrupted, made progress" bucket (spec.md §4.9). Unlike
// FindStuckRunsWithoutCheckpoint this has no age threshold: a run
// interrupted seconds before restart is still interrupted.
func (s *Store) FindInterruptedRunsWithCheckpoint(ctx context.Context) ([]*model.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runs
		WHERE status = 'running'
		  AND checkpoint_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: find interrupted runs: %w", err)
	}
	out := make([]*model.Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}
