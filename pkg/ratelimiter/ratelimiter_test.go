package ratelimiter

import (
	"context"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"
)

func newTestLimiter(clk *clocktesting.FakeClock) *Limiter {
	l := New(clk, map[string]Profile{
		"linkedin": LinkedInProfile,
		"indeed":   IndeedProfile,
	})
	l.rand = func() float64 { return 0.5 } // pin jitter at the midpoint (1.0x)
	return l
}

func TestGetRequiredDelaySteadyState(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := newTestLimiter(clk)

	if got := l.GetRequiredDelay("indeed"); got != IndeedProfile.SuccessDelay {
		t.Fatalf("expected steady-state delay %v, got %v", IndeedProfile.SuccessDelay, got)
	}
}

func TestGetRequiredDelaySubtractsElapsed(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := newTestLimiter(clk)

	if err := l.Wait(context.Background(), "indeed"); err != nil {
		t.Fatal(err)
	}
	clk.Step(400 * time.Millisecond)
	got := l.GetRequiredDelay("indeed")
	want := IndeedProfile.SuccessDelay - 400*time.Millisecond
	if got != want {
		t.Fatalf("expected %v after subtracting elapsed time, got %v", want, got)
	}
}

func TestRecord429EntersCooldownAtThreshold(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := newTestLimiter(clk)

	for i := 0; i < int(LinkedInProfile.CooldownThreshold)-1; i++ {
		l.Record429("linkedin")
		if l.InCooldown("linkedin") {
			t.Fatalf("should not be in cooldown before crossing threshold (iteration %d)", i)
		}
	}
	l.Record429("linkedin")
	if !l.InCooldown("linkedin") {
		t.Fatal("expected cooldown once consecutive429s crosses cooldownThreshold")
	}

	if got := l.GetRequiredDelay("linkedin"); got != LinkedInProfile.CooldownDuration {
		t.Fatalf("expected full cooldown duration as required delay, got %v", got)
	}

	// Indeed must be unaffected by LinkedIn's cooldown (spec.md §8, "429 storm").
	if l.InCooldown("indeed") {
		t.Fatal("indeed should not be affected by linkedin's cooldown")
	}
}

func TestCooldownClearsAfterDuration(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := newTestLimiter(clk)

	for i := 0; i < int(LinkedInProfile.CooldownThreshold); i++ {
		l.Record429("linkedin")
	}
	if !l.InCooldown("linkedin") {
		t.Fatal("expected cooldown to be active")
	}

	clk.Step(LinkedInProfile.CooldownDuration + time.Second)
	if l.InCooldown("linkedin") {
		t.Fatal("expected cooldown to have cleared")
	}
	if got := l.GetRequiredDelay("linkedin"); got != LinkedInProfile.SuccessDelay {
		t.Fatalf("expected consecutive429s reset to steady state after cooldown clears, got delay %v", got)
	}
}

func TestRecordSuccessDecrementsFloorZero(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := newTestLimiter(clk)

	l.Record429("indeed")
	l.RecordSuccess("indeed")
	l.RecordSuccess("indeed")

	s := l.stateFor("indeed")
	s.mu.Lock()
	got := s.consecutive429s
	s.mu.Unlock()
	if got != 0 {
		t.Fatalf("expected consecutive429s floored at 0, got %v", got)
	}
}

func TestRecordErrorFractionalIncrementCapped(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := newTestLimiter(clk)

	for i := 0; i < 10; i++ {
		l.RecordError("indeed", "connection reset by peer")
	}
	s := l.stateFor("indeed")
	s.mu.Lock()
	got := s.consecutive429s
	s.mu.Unlock()
	if got != 2 {
		t.Fatalf("expected non-429 errors to cap consecutive429s at 2, got %v", got)
	}
	if l.InCooldown("indeed") {
		t.Fatal("generic errors capped at 2 must never trigger cooldown on their own")
	}
}

func TestRecordErrorMatching429PatternEscalatesFully(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := newTestLimiter(clk)

	for i := 0; i < int(IndeedProfile.CooldownThreshold); i++ {
		l.RecordError("indeed", "HTTP 429 Too Many Requests")
	}
	if !l.InCooldown("indeed") {
		t.Fatal("expected a 429-pattern error message to escalate like Record429 and trip cooldown")
	}
}

func TestWaitBlocksForComputedDelay(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := newTestLimiter(clk)

	if err := l.Wait(context.Background(), "indeed"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Wait(context.Background(), "indeed") }()

	select {
	case <-done:
		t.Fatal("expected Wait to block until the clock advances")
	case <-time.After(20 * time.Millisecond):
	}

	clk.Step(IndeedProfile.SuccessDelay)
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected Wait to return once the clock caught up")
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	clk := clocktesting.NewFakeClock(time.Now())
	l := newTestLimiter(clk)
	if err := l.Wait(context.Background(), "indeed"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Wait(ctx, "indeed") }()
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("expected Wait to return promptly after cancellation")
	}
}
