package runtracker

import (
	"context"
	"errors"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/jobscout/pipeline-engine/pkg/model"
)

type fakeStore struct {
	runs       map[string]*model.Run
	checkpoint map[string]model.Checkpoint
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: map[string]*model.Run{}, checkpoint: map[string]model.Checkpoint{}}
}

func (f *fakeStore) CreateRun(_ context.Context, run *model.Run) error {
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) UpdateStats(_ context.Context, runID string, collected, afterDedup, matched, notified int) error {
	r, ok := f.runs[runID]
	if !ok {
		return errors.New("not found")
	}
	if collected > r.JobsCollected {
		r.JobsCollected = collected
	}
	if afterDedup > r.JobsAfterDedup {
		r.JobsAfterDedup = afterDedup
	}
	if matched > r.JobsMatched {
		r.JobsMatched = matched
	}
	if notified > r.NotificationsSent {
		r.NotificationsSent = notified
	}
	return nil
}

func (f *fakeStore) Checkpoint(_ context.Context, runID string, cp model.Checkpoint, _ time.Time) error {
	f.checkpoint[runID] = cp
	r := f.runs[runID]
	r.CurrentStage = cp.Stage
	r.ProgressPercent = cp.Percent
	r.Checkpoint = &cp
	return nil
}

func (f *fakeStore) FindInterruptedRunsWithCheckpoint(_ context.Context) ([]*model.Run, error) {
	var out []*model.Run
	for _, r := range f.runs {
		if r.Status == model.RunRunning && r.Checkpoint != nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) transition(runID string, status model.RunStatus, completedAt time.Time) *model.Run {
	r := f.runs[runID]
	if r.Status.Terminal() {
		return r
	}
	r.Status = status
	r.CompletedAt = &completedAt
	d := completedAt.Sub(r.StartedAt).Milliseconds()
	r.DurationMs = &d
	return r
}

func (f *fakeStore) Complete(_ context.Context, runID string, completedAt time.Time) error {
	f.transition(runID, model.RunCompleted, completedAt)
	return nil
}

func (f *fakeStore) Fail(_ context.Context, runID string, completedAt time.Time, stage model.Stage, msg, stack string, errCtx map[string]any) error {
	r := f.transition(runID, model.RunFailed, completedAt)
	r.FailedStage = &stage
	r.ErrorMessage = &msg
	r.ErrorStack = &stack
	r.ErrorContext = errCtx
	return nil
}

func (f *fakeStore) Cancel(_ context.Context, runID string, completedAt time.Time) error {
	f.transition(runID, model.RunCancelled, completedAt)
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (*model.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return r, nil
}

func (f *fakeStore) FailStaleRuns(_ context.Context, now time.Time, maxAge time.Duration) (int, error) {
	n := 0
	for _, r := range f.runs {
		if r.Status == model.RunRunning && now.Sub(r.StartedAt) > maxAge {
			r.Status = model.RunFailed
			r.CompletedAt = &now
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) FindStuckRunsWithoutCheckpoint(_ context.Context, now time.Time, minAge time.Duration) ([]*model.Run, error) {
	var out []*model.Run
	for _, r := range f.runs {
		if r.Status != model.RunRunning {
			continue
		}
		last := r.StartedAt
		if r.Checkpoint != nil {
			last = r.Checkpoint.RecordedAt
		}
		if now.Sub(last) >= minAge {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestStartThenCompleteIsTerminal(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	store := newFakeStore()
	tr := New(store, clk)

	run, err := tr.Start(context.Background(), "sub-1", model.TriggerScheduled)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != model.RunRunning {
		t.Fatalf("expected running, got %v", run.Status)
	}

	clk.Step(time.Minute)
	if err := tr.Complete(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	got, err := tr.Get(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.RunCompleted {
		t.Fatalf("expected completed, got %v", got.Status)
	}
	if got.DurationMs == nil || *got.DurationMs != int64(time.Minute/time.Millisecond) {
		t.Fatalf("unexpected duration: %v", got.DurationMs)
	}
}

func TestTerminalStateIsAbsorbing(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	store := newFakeStore()
	tr := New(store, clk)

	run, err := tr.Start(context.Background(), "sub-1", model.TriggerManual)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Cancel(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if err := tr.Complete(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := tr.Get(context.Background(), run.ID)
	if got.Status != model.RunCancelled {
		t.Fatalf("expected the first terminal transition (cancelled) to stick, got %v", got.Status)
	}
}

func TestUpdateStatsIsMonotone(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	store := newFakeStore()
	tr := New(store, clk)

	run, _ := tr.Start(context.Background(), "sub-1", model.TriggerScheduled)
	if err := tr.Update(context.Background(), run.ID, 10, 8, 3, 1); err != nil {
		t.Fatal(err)
	}
	// A smaller, stale update must not regress the counters.
	if err := tr.Update(context.Background(), run.ID, 5, 5, 1, 0); err != nil {
		t.Fatal(err)
	}
	got, _ := tr.Get(context.Background(), run.ID)
	if got.JobsCollected != 10 || got.JobsAfterDedup != 8 || got.JobsMatched != 3 || got.NotificationsSent != 1 {
		t.Fatalf("expected monotone counters, got %+v", got)
	}
}

func TestFindStuckRunsWithoutCheckpoint(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	store := newFakeStore()
	tr := New(store, clk)

	run, _ := tr.Start(context.Background(), "sub-1", model.TriggerScheduled)
	clk.Step(15 * time.Minute)

	stuck, err := tr.FindStuckRunsWithoutCheckpoint(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 1 || stuck[0].ID != run.ID {
		t.Fatalf("expected run %s to be flagged as stuck, got %+v", run.ID, stuck)
	}

	if err := tr.Checkpoint(context.Background(), run.ID, model.StageCollection, 50, "halfway", nil); err != nil {
		t.Fatal(err)
	}
	stuck, err = tr.FindStuckRunsWithoutCheckpoint(context.Background(), 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 0 {
		t.Fatalf("expected a fresh checkpoint to clear the stuck flag, got %+v", stuck)
	}
}
