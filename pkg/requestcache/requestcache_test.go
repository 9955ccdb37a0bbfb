package requestcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
)

func cloneSlice(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func TestCoalescesConcurrentCallers(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	c := New(clk, 5*time.Minute, cloneSlice)

	var calls int32
	start := make(chan struct{})
	compute := func(ctx context.Context) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return []string{"job-a", "job-b"}, nil
	}

	const n = 10
	results := make([][]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, err := c.Get(context.Background(), "key-1", false, compute)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			results[i] = v
		}(i)
	}
	// give every goroutine a chance to either join the in-flight future or
	// (incorrectly) start its own before releasing the single compute call.
	time.Sleep(20 * time.Millisecond)
	close(start)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected exactly one underlying compute call, got %d", got)
	}
	for i, r := range results {
		if len(r) != 2 || r[0] != "job-a" || r[1] != "job-b" {
			t.Fatalf("caller %d got unexpected result: %v", i, r)
		}
	}

	// mutate one caller's slice and verify others are unaffected — each
	// caller must have received a defensive copy (spec.md §4.3, §8).
	results[0][0] = "mutated"
	if results[1][0] != "job-a" {
		t.Fatalf("expected defensive copies: caller 1 saw mutation from caller 0")
	}
}

func TestFailedFutureIsEvictedForRetry(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	c := New(clk, 5*time.Minute, cloneSlice)

	var calls int32
	compute := func(ctx context.Context) ([]string, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, context.DeadlineExceeded
		}
		return []string{"ok"}, nil
	}

	_, err := c.Get(context.Background(), "key-1", false, compute)
	if err == nil {
		t.Fatal("expected first call to fail")
	}
	v, err := c.Get(context.Background(), "key-1", false, compute)
	if err != nil || len(v) != 1 || v[0] != "ok" {
		t.Fatalf("expected retry to succeed after failure eviction, got %v, %v", v, err)
	}
	if calls != 2 {
		t.Fatalf("expected two underlying calls (one failed, one retried), got %d", calls)
	}
}

func TestSkipCacheBypassesSharing(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	c := New(clk, 5*time.Minute, cloneSlice)

	var calls int32
	compute := func(ctx context.Context) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"fresh"}, nil
	}

	if _, err := c.Get(context.Background(), "key-1", true, compute); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(context.Background(), "key-1", true, compute); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Fatalf("expected skipCache to bypass sharing on both calls, got %d calls", calls)
	}
}

func TestSweeperEvictsExpiredEntries(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	c := New(clk, time.Minute, cloneSlice)

	if _, err := c.Get(context.Background(), "key-1", false, func(context.Context) ([]string, error) {
		return []string{"v"}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected one cached entry, got %d", c.Len())
	}

	clk.Step(2 * time.Minute)
	c.sweep()
	if c.Len() != 0 {
		t.Fatalf("expected sweeper to evict the expired entry, got %d remaining", c.Len())
	}
}
