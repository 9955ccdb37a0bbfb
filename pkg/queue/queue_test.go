package queue

import (
	"context"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	engineclock "github.com/jobscout/pipeline-engine/pkg/clock"
	"github.com/jobscout/pipeline-engine/pkg/kv"
)

func TestEnqueueAndProcessSucceeds(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	store := kv.NewInProcessStore(clk)
	q := New("collection", store, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, 1, func(_ context.Context, payload []byte) ([]byte, error) {
		return append([]byte("got:"), payload...), nil
	})

	handle, err := q.Enqueue(ctx, []byte("hello"), EnqueueOptions{Attempts: 1, JobTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}

	fctx, fcancel := context.WithTimeout(ctx, 2*time.Second)
	defer fcancel()
	got, err := handle.Finished(fctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "got:hello" {
		t.Fatalf("unexpected result: %q", got)
	}
	if handle.GetState() != StateCompleted {
		t.Fatalf("expected completed state, got %v", handle.GetState())
	}
}

func TestRetriesUpToAttemptsThenFails(t *testing.T) {
	// Uses the real clock: redelivery backoff runs on a background timer
	// that a fake clock would need manual, racily-timed Step() calls to
	// advance, and the backoff base here (1ms) is trivial in wall time.
	clk := engineclock.RealClock
	store := kv.NewInProcessStore(clk)
	q := New("matching", store, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int
	go q.Run(ctx, 1, func(_ context.Context, _ []byte) ([]byte, error) {
		calls++
		return nil, context.DeadlineExceeded
	})

	handle, err := q.Enqueue(ctx, []byte("x"), EnqueueOptions{
		Attempts: 3, Backoff: BackoffOptions{Base: time.Millisecond}, JobTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}

	fctx, fcancel := context.WithTimeout(ctx, 2*time.Second)
	defer fcancel()
	_, err = handle.Finished(fctx)
	if err == nil {
		t.Fatal("expected final failure after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", calls)
	}
	if handle.GetState() != StateFailed {
		t.Fatalf("expected failed state, got %v", handle.GetState())
	}
}

func TestFinishedRacesClientTimeout(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	store := kv.NewInProcessStore(clk)
	q := New("collection", store, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	go q.Run(ctx, 1, func(_ context.Context, payload []byte) ([]byte, error) {
		<-release
		return payload, nil
	})

	handle, err := q.Enqueue(ctx, []byte("slow"), EnqueueOptions{Attempts: 1, JobTimeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	fctx, fcancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer fcancel()
	_, err = handle.Finished(fctx)
	if err == nil {
		t.Fatal("expected the client-side timeout to win the race")
	}
	close(release)
}

func TestFallbackExecutorGatesConcurrency(t *testing.T) {
	exec := NewFallbackExecutor(2)

	// lock guards active/maxActive like a mutex: exactly one token in flight.
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	var active, maxActive int32

	run := func() {
		_, _ = exec.Do(context.Background(), func(ctx context.Context) ([]byte, error) {
			<-lock
			active++
			if active > maxActive {
				maxActive = active
			}
			active--
			lock <- struct{}{}
			return nil, nil
		})
	}

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func() { run(); done <- struct{}{} }()
	}
	for i := 0; i < 3; i++ {
		<-done
	}
	if maxActive > 2 {
		t.Fatalf("expected semaphore to cap concurrency at 2, observed %d", maxActive)
	}
}
