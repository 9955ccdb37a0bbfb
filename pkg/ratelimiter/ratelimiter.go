// Package ratelimiter implements the per-source adaptive rate limiter of
// spec.md §4.4: exponential backoff after repeated 429s, a forced
// cooldown once a threshold is crossed, and a steady-state delay between
// successful requests.
//
// The cooldown/backoff state machine (consecutive429s, inCooldown,
// cooldownUntil) is spec-mandated bespoke logic with exact testable delay
// formulas driven off an injected clock, the same k8s.io/utils/clock this
// module uses everywhere else for deterministic tests — a
// k8s.io/client-go/util/flowcontrol token bucket was tried here first
// (it's how the teacher's kwok/ec2/ratelimiting.go paces per-API-call
// traffic) but it times itself off the real wall clock internally with
// no injection point, which would make the exact elapsed-time-subtraction
// behaviour in requiredDelayLocked untestable; a
// github.com/sony/gobreaker circuit breaker sits alongside the bespoke
// state per source (named in jordigilh-kubernaut's go.mod) so a worker's
// external call can additionally be wrapped against opaque failures, not
// just the well-formed 429 signal this package tracks directly.
package ratelimiter

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"k8s.io/utils/clock"
)

// Profile is a per-source configuration (spec.md §4.4).
type Profile struct {
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	BackoffMultiplier  float64
	CooldownThreshold  float64
	CooldownDuration   time.Duration
	SuccessDelay       time.Duration
}

// DefaultProfile is used for any source without an explicit entry.
var DefaultProfile = Profile{
	BaseDelay:         1500 * time.Millisecond,
	MaxDelay:          60 * time.Second,
	BackoffMultiplier: 2.0,
	CooldownThreshold: 5,
	CooldownDuration:  60 * time.Second,
	SuccessDelay:      1500 * time.Millisecond,
}

// LinkedInProfile and IndeedProfile reflect the source-specific defaults
// named in spec.md §6 (LINKEDIN_DELAY_MS=3000, INDEED_DELAY_MS=1000):
// LinkedIn is known aggressive about throttling, Indeed comparatively lenient.
var (
	LinkedInProfile = Profile{
		BaseDelay: 3000 * time.Millisecond, MaxDelay: 120 * time.Second,
		BackoffMultiplier: 2.5, CooldownThreshold: 3,
		CooldownDuration: 90 * time.Second, SuccessDelay: 3000 * time.Millisecond,
	}
	IndeedProfile = Profile{
		BaseDelay: 1000 * time.Millisecond, MaxDelay: 30 * time.Second,
		BackoffMultiplier: 2.0, CooldownThreshold: 6,
		CooldownDuration: 45 * time.Second, SuccessDelay: 1000 * time.Millisecond,
	}
)

// the429Patterns are matched case-insensitively against adapter error
// messages (spec.md §4.4) to distinguish an explicit rate-limit signal
// from a generic transient error.
var the429Patterns = []string{"429", "too many requests", "rate limit", "throttle", "quota"}

// Is429 reports whether msg matches the 429 pattern set, exported so
// workers can classify a collector/LLM error the same way this package
// does internally before deciding whether to call Record429 or
// RecordError.
func Is429(msg string) bool { return matches429Pattern(msg) }

func matches429Pattern(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range the429Patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

type sourceState struct {
	mu sync.Mutex

	profile Profile

	consecutive429s float64
	lastRequestAt   time.Time
	inCooldown      bool
	cooldownUntil   time.Time

	breaker *gobreaker.CircuitBreaker
}

// Limiter coordinates rate limiting across every source (spec.md §4.4).
// It is process-global (one instance per process, per spec.md §4.4:
// "across instances, each process independently paces its own traffic").
type Limiter struct {
	clock clock.Clock

	mu      sync.Mutex
	sources map[string]*sourceState
	rand    func() float64

	profiles map[string]Profile
}

// New constructs a Limiter. Pass source-specific profile overrides (e.g.
// "linkedin": LinkedInProfile, "indeed": IndeedProfile); any source not
// listed uses DefaultProfile.
func New(clk clock.Clock, profiles map[string]Profile) *Limiter {
	return &Limiter{
		clock:    clk,
		sources:  map[string]*sourceState{},
		rand:     rand.Float64,
		profiles: profiles,
	}
}

func (l *Limiter) stateFor(source string) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sources[source]; ok {
		return s
	}
	profile, ok := l.profiles[source]
	if !ok {
		profile = DefaultProfile
	}
	s := &sourceState{
		profile: profile,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ratelimiter:" + source,
			Timeout: profile.CooldownDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return float64(counts.ConsecutiveFailures) >= profile.CooldownThreshold
			},
		}),
	}
	l.sources[source] = s
	return s
}

// Breaker returns the circuit breaker for source, for a worker to wrap an
// external call against opaque failures alongside the manual 429 tracking.
func (l *Limiter) Breaker(source string) *gobreaker.CircuitBreaker {
	return l.stateFor(source).breaker
}

// GetRequiredDelay implements the four-step algorithm of spec.md §4.4.
func (l *Limiter) GetRequiredDelay(source string) time.Duration {
	s := l.stateFor(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.requiredDelayLocked(s)
}

func (l *Limiter) requiredDelayLocked(s *sourceState) time.Duration {
	now := l.clock.Now()

	// 1 & 2: cooldown gate.
	if s.inCooldown {
		if now.Before(s.cooldownUntil) {
			return s.cooldownUntil.Sub(now)
		}
		s.inCooldown = false
		s.consecutive429s = 0
	}

	// 3: backoff-or-steady-state delay.
	var delay time.Duration
	if s.consecutive429s > 0 {
		backoff := float64(s.profile.BaseDelay) * math.Pow(s.profile.BackoffMultiplier, s.consecutive429s)
		capped := math.Min(backoff, float64(s.profile.MaxDelay))
		jitter := 0.8 + l.rand()*0.4 // spec.md §4.4: jitter(0.8..1.2)
		delay = time.Duration(capped * jitter)
	} else {
		delay = s.profile.SuccessDelay
	}

	// 4: subtract elapsed time since the last request, clamped to >= 0.
	if !s.lastRequestAt.IsZero() {
		elapsed := now.Sub(s.lastRequestAt)
		delay -= elapsed
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// Wait blocks for the delay GetRequiredDelay computes, then records the
// request time. A source's first request (no earlier Wait) is not
// delayed unless the source is in cooldown. Workers MUST call this before
// each external request (spec.md §4.4).
func (l *Limiter) Wait(ctx context.Context, source string) error {
	s := l.stateFor(source)
	s.mu.Lock()
	delay := l.requiredDelayLocked(s)
	if s.lastRequestAt.IsZero() && !s.inCooldown {
		delay = 0
	}
	s.mu.Unlock()
	if delay > 0 {
		timer := l.clock.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
		}
	}
	s.mu.Lock()
	s.lastRequestAt = l.clock.Now()
	s.mu.Unlock()
	return nil
}

// RecordSuccess decrements consecutive429s, never below zero (spec.md §4.4).
func (l *Limiter) RecordSuccess(source string) {
	s := l.stateFor(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consecutive429s > 0 {
		s.consecutive429s--
	}
}

// Record429 increments consecutive429s and enters cooldown once
// cooldownThreshold is crossed (spec.md §4.4).
func (l *Limiter) Record429(source string) {
	s := l.stateFor(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	l.record429Locked(s)
}

func (l *Limiter) record429Locked(s *sourceState) {
	s.consecutive429s++
	if s.consecutive429s >= s.profile.CooldownThreshold && !s.inCooldown {
		s.inCooldown = true
		s.cooldownUntil = l.clock.Now().Add(s.profile.CooldownDuration)
	}
}

// RecordError applies a fractional increment for errors that do not match
// the 429 pattern set, capped at 2, and otherwise delegates to Record429
// (spec.md §4.4).
func (l *Limiter) RecordError(source, message string) {
	s := l.stateFor(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	if matches429Pattern(message) {
		l.record429Locked(s)
		return
	}
	s.consecutive429s = math.Min(s.consecutive429s+0.5, 2)
}

// InCooldown reports a source's current cooldown state, for diagnostics
// and tests.
func (l *Limiter) InCooldown(source string) bool {
	s := l.stateFor(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inCooldown && l.clock.Now().Before(s.cooldownUntil)
}
