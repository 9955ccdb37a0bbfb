// Package keypool implements the LLM API-key sliding-window rate pool of
// spec.md §4.5: a fixed set of keys, each capped at ratePerMinute
// requests in any trailing 60s window, selected round-robin and blocked
// outright for 60s once marked 429'd.
//
// This mirrors the teacher's pkg/batcher windowing (a slice of recent
// timestamps pruned against "now - window") but round-robins across
// several independent windows instead of coalescing into one.
package keypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const blockDuration = 60 * time.Second
const window = 60 * time.Second

type keyState struct {
	key          string
	timestamps   []time.Time
	is429Blocked bool
	blockedUntil time.Time
}

// Pool is a process-wide, single-instance LLM API-key pool. Every mutation
// is serialized under mu (spec.md §5, "Shared mutability").
type Pool struct {
	clock clock.Clock
	limit int

	mu           sync.Mutex
	keys         []*keyState
	currentIndex int
}

// New constructs a Pool over the given keys, each capped at
// ratePerMinute requests per trailing 60s window.
func New(clk clock.Clock, keys []string, ratePerMinute int) *Pool {
	states := make([]*keyState, 0, len(keys))
	for _, k := range keys {
		states = append(states, &keyState{key: k})
	}
	return &Pool{clock: clk, limit: ratePerMinute, keys: states}
}

// GetAvailableKey implements the three-step algorithm of spec.md §4.5:
// sweep, round-robin scan, and — if none is free — sleep the minimum wait
// and retry. Blocks until a key is available or ctx is cancelled.
func (p *Pool) GetAvailableKey(ctx context.Context) (string, error) {
	for {
		key, wait, ok := p.tryAcquire()
		if ok {
			return key, nil
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := p.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C():
		}
	}
}

func (p *Pool) tryAcquire() (key string, wait time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		return "", 0, false
	}

	now := p.clock.Now()

	// Step 1: sweep.
	for _, k := range p.keys {
		kept := k.timestamps[:0:0]
		for _, ts := range k.timestamps {
			if now.Sub(ts) < window {
				kept = append(kept, ts)
			}
		}
		k.timestamps = kept
		if k.is429Blocked && !now.Before(k.blockedUntil) {
			k.is429Blocked = false
		}
	}

	// Step 2: round-robin scan for a free key.
	n := len(p.keys)
	for i := 0; i < n; i++ {
		idx := (p.currentIndex + i) % n
		k := p.keys[idx]
		if !k.is429Blocked && len(k.timestamps) < p.limit {
			k.timestamps = append(k.timestamps, now)
			p.currentIndex = (idx + 1) % n
			return k.key, 0, true
		}
	}

	// Step 3: compute the minimum wait over all keys.
	minWait := time.Duration(-1)
	for _, k := range p.keys {
		var w time.Duration
		switch {
		case k.is429Blocked:
			w = k.blockedUntil.Sub(now)
		case len(k.timestamps) > 0:
			w = k.timestamps[0].Add(window).Sub(now)
		default:
			continue
		}
		if minWait < 0 || w < minWait {
			minWait = w
		}
	}
	if minWait < 0 {
		minWait = time.Millisecond
	}
	return "", minWait, false
}

// MarkKey429 blocks key for 60s (spec.md §4.5).
func (p *Pool) MarkKey429(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()
	for _, k := range p.keys {
		if k.key == key {
			k.is429Blocked = true
			k.blockedUntil = now.Add(blockDuration)
			return
		}
	}
}

// MaskKey returns a log-safe representation of an API key: the last 8
// characters prefixed with "***", or just "***" for short keys (spec.md
// §4.5, used only in logs — never log a full key).
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return fmt.Sprintf("***%s", key[len(key)-8:])
}
