// Package cancelreg implements the cancellation channel of spec.md §4.2:
// a fire-and-forget "cancel this run" flag visible to every worker in the
// fleet, polled at stage boundaries rather than delivered as an in-flight
// interrupt (spec.md §5, Cancellation semantics).
package cancelreg

import (
	"context"
	"fmt"
	"time"

	"github.com/jobscout/pipeline-engine/pkg/kv"
	"github.com/jobscout/pipeline-engine/pkg/logging"
)

const keyPrefix = "cancelled_runs:"

// Registry publishes and queries cancellation flags.
type Registry struct {
	store kv.Store
	ttl   time.Duration
}

func New(store kv.Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl}
}

func key(runID string) string { return fmt.Sprintf("%s%s", keyPrefix, runID) }

// MarkCancelled publishes the cancel flag for runID. Fire-and-forget: the
// caller does not wait for workers to observe it (spec.md §5).
func (r *Registry) MarkCancelled(ctx context.Context, runID string) {
	if _, err := r.store.Set(ctx, key(runID), "1", r.ttl, false); err != nil {
		logging.FromContext(ctx).Warnw("cancelreg: failed to publish cancellation flag",
			"runId", runID, "error", err)
	}
}

// IsCancelled reports whether runID has been cancelled. Fails open: a KV
// error returns false so an unreachable registry never blocks a run that
// was never actually cancelled (spec.md §4.2).
func (r *Registry) IsCancelled(ctx context.Context, runID string) bool {
	found, err := r.store.Exists(ctx, key(runID))
	if err != nil {
		return false
	}
	return found
}
