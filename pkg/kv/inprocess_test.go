package kv

import (
	"context"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
)

func TestInProcessStoreSetIfAbsent(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	s := NewInProcessStore(clk)
	ctx := context.Background()

	ok, err := s.Set(ctx, "lock:sub:1", "holder-a", time.Minute, true)
	if err != nil || !ok {
		t.Fatalf("first SetNX should succeed: ok=%v err=%v", ok, err)
	}

	ok, err = s.Set(ctx, "lock:sub:1", "holder-b", time.Minute, true)
	if err != nil || ok {
		t.Fatalf("second SetNX should fail while held: ok=%v err=%v", ok, err)
	}

	v, found, _ := s.Get(ctx, "lock:sub:1")
	if !found || v != "holder-a" {
		t.Fatalf("expected holder-a to still hold the key, got %q found=%v", v, found)
	}
}

func TestInProcessStoreExpiry(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	s := NewInProcessStore(clk)
	ctx := context.Background()

	if ok, _ := s.Set(ctx, "k", "v", time.Second, true); !ok {
		t.Fatal("expected initial set to succeed")
	}
	clk.Step(2 * time.Second)

	if _, found, _ := s.Get(ctx, "k"); found {
		t.Fatal("expected key to have expired")
	}
	// a new SetNX should now succeed because the prior entry expired.
	if ok, _ := s.Set(ctx, "k", "v2", time.Second, true); !ok {
		t.Fatal("expected SetNX to succeed after expiry")
	}
}

func TestInProcessQueueAckRemovesFromProcessing(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	s := NewInProcessStore(clk)
	ctx := context.Background()

	if err := s.Enqueue(ctx, "collection", []byte("job-1")); err != nil {
		t.Fatal(err)
	}
	payload, handle, ok, err := s.Reserve(ctx, "collection", time.Second)
	if err != nil || !ok || string(payload) != "job-1" {
		t.Fatalf("unexpected reserve result: %q ok=%v err=%v", payload, ok, err)
	}

	stalled, _ := s.StalledHandles(ctx, "collection", 0)
	if len(stalled) != 1 || stalled[0] != handle {
		t.Fatalf("expected the reserved handle to show as stalled once staleAfter=0, got %v", stalled)
	}

	if err := s.Ack(ctx, "collection", handle); err != nil {
		t.Fatal(err)
	}
	stalled, _ = s.StalledHandles(ctx, "collection", 0)
	if len(stalled) != 0 {
		t.Fatalf("expected no stalled handles after ack, got %v", stalled)
	}
}

func TestInProcessQueueNackRedelivers(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	s := NewInProcessStore(clk)
	ctx := context.Background()

	_ = s.Enqueue(ctx, "matching", []byte("job-1"))
	_, handle, _, _ := s.Reserve(ctx, "matching", time.Second)
	if err := s.Nack(ctx, "matching", handle); err != nil {
		t.Fatal(err)
	}

	payload, _, ok, err := s.Reserve(ctx, "matching", time.Second)
	if err != nil || !ok || string(payload) != "job-1" {
		t.Fatalf("expected nacked job to be redelivered, got %q ok=%v err=%v", payload, ok, err)
	}
}
