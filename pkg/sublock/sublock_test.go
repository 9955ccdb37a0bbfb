package sublock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jobscout/pipeline-engine/pkg/kv"
	clocktesting "k8s.io/utils/clock/testing"
)

// alwaysUnavailable simulates a KV store that cannot be reached, forcing
// every caller onto the process-local fallback path (spec.md §4.1).
type alwaysUnavailable struct{}

func (alwaysUnavailable) Set(context.Context, string, string, time.Duration, bool) (bool, error) {
	return false, &kv.Unavailable{Err: context.DeadlineExceeded}
}
func (alwaysUnavailable) Get(context.Context, string) (string, bool, error) {
	return "", false, &kv.Unavailable{Err: context.DeadlineExceeded}
}
func (alwaysUnavailable) Del(context.Context, string) error { return nil }
func (alwaysUnavailable) Exists(context.Context, string) (bool, error) {
	return false, &kv.Unavailable{Err: context.DeadlineExceeded}
}

func TestAcquireSingleFlight(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	store := kv.NewInProcessStore(clk)
	l := New(store, clk)
	ctx := context.Background()

	if !l.Acquire(ctx, "sub-1", time.Hour) {
		t.Fatal("first acquire should succeed")
	}
	if l.Acquire(ctx, "sub-1", time.Hour) {
		t.Fatal("second concurrent acquire should fail")
	}
	l.Release(ctx, "sub-1")
	if !l.Acquire(ctx, "sub-1", time.Hour) {
		t.Fatal("acquire after release should succeed")
	}
}

func TestAcquireConcurrentOnlyOneWinner(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	store := kv.NewInProcessStore(clk)
	l := New(store, clk)
	ctx := context.Background()

	const n = 50
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if l.Acquire(ctx, "sub-race", time.Hour) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner of the race, got %d", wins)
	}
}

func TestFallbackWhenKVUnavailable(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := New(alwaysUnavailable{}, clk)
	ctx := context.Background()

	if !l.Acquire(ctx, "sub-1", time.Hour) {
		t.Fatal("expected fallback acquire to succeed despite KV being unavailable")
	}
	if l.Acquire(ctx, "sub-1", time.Hour) {
		t.Fatal("expected fallback to still enforce single-flight locally")
	}
}
