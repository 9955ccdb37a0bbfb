// Package queue implements the two named reliable work queues of spec.md
// §4.6 — "collection" and "matching" — on top of the kv.WorkQueue
// substrate (Redis's BRPOPLPUSH processing-list pattern, or its
// process-local equivalent). Retry/backoff on redelivery uses
// github.com/cenkalti/backoff/v4, the same library the teacher's
// pkg/apis/event.go builds its *backoff.ExponentialBackOff retry loop
// with. A coarser FallbackExecutor using golang.org/x/sync/semaphore
// covers spec.md §4.6's "switch to direct, in-process execution" mode,
// for when even the substrate-agnostic kv.WorkQueue would add more
// bookkeeping overhead than the caller wants.
package queue

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/jobscout/pipeline-engine/pkg/errors"
	"github.com/jobscout/pipeline-engine/pkg/kv"
	"github.com/jobscout/pipeline-engine/pkg/logging"
)

// State is a job's lifecycle state within a Queue.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStalled   State = "stalled"
)

// BackoffOptions configures redelivery spacing after a failed attempt.
type BackoffOptions struct {
	Base time.Duration
}

// EnqueueOptions mirrors spec.md §4.6's `opts` bag.
type EnqueueOptions struct {
	Priority         int // 1..3, lower value = higher precedence (best-effort)
	Attempts         int
	Backoff          BackoffOptions
	JobTimeout       time.Duration
	RemoveOnComplete int
	RemoveOnFail     int
}

// Result is what a job's processing function produced.
type Result struct {
	Value []byte
	Err   error
}

type envelope struct {
	ID          string    `json:"id"`
	Payload     []byte    `json:"payload"`
	Priority    int       `json:"priority"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"maxAttempts"`
	BackoffBase int64     `json:"backoffBaseMs"`
	JobTimeout  int64     `json:"jobTimeoutMs"`
	RemoveOnOK  int       `json:"removeOnComplete"`
	RemoveOnErr int       `json:"removeOnFail"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Handle is returned by Enqueue; .Finished races the job's completion
// against the caller's own context deadline (spec.md §4.6: "a separate
// client-side timeout races .finished() against a timer").
type Handle struct {
	id string
	q  *Queue
}

// ID returns the job id, for logging and diagnostics.
func (h *Handle) ID() string { return h.id }

// Finished blocks until the job completes or ctx is done. If ctx wins the
// race, the job may still complete on the worker in the background — the
// caller only learns it timed out (spec.md §4.6).
func (h *Handle) Finished(ctx context.Context) ([]byte, error) {
	h.q.mu.Lock()
	ch, ok := h.q.waiters[h.id]
	h.q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("queue: unknown job %q", h.id)
	}
	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrTimeout, "jobId", h.id)
	}
}

// GetState reports the job's last known lifecycle state.
func (h *Handle) GetState() State {
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	return h.q.states[h.id]
}

// Process is a worker-side handler for one queue's jobs.
type Process func(ctx context.Context, payload []byte) ([]byte, error)

// Stats is a point-in-time snapshot for the control surface's
// diagnostics endpoint (spec.md §6: "diagnostics() returns ... queue
// stats").
type Stats struct {
	Name      string `json:"name"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
}

// Queue is one named reliable queue (spec.md §4.6: "collection" or
// "matching").
type Queue struct {
	name  string
	wq    kv.WorkQueue
	clock clock.Clock

	mu             sync.Mutex
	states         map[string]State
	waiters        map[string]chan Result
	completedOrder *list.List // job ids, oldest first
	failedOrder    *list.List
	stalledCounts  map[string]int
}

// New constructs a Queue named name over the given work-queue substrate.
func New(name string, wq kv.WorkQueue, clk clock.Clock) *Queue {
	return &Queue{
		name:           name,
		wq:             wq,
		clock:          clk,
		states:         map[string]State{},
		waiters:        map[string]chan Result{},
		completedOrder: list.New(),
		failedOrder:    list.New(),
		stalledCounts:  map[string]int{},
	}
}

// Enqueue pushes payload onto the queue with opts (spec.md §4.6).
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (*Handle, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	env := envelope{
		ID:          uuid.NewString(),
		Payload:     payload,
		Priority:    opts.Priority,
		Attempt:     0,
		MaxAttempts: opts.Attempts,
		BackoffBase: int64(opts.Backoff.Base / time.Millisecond),
		JobTimeout:  int64(opts.JobTimeout / time.Millisecond),
		RemoveOnOK:  opts.RemoveOnComplete,
		RemoveOnErr: opts.RemoveOnFail,
		EnqueuedAt:  q.clock.Now(),
	}
	return q.enqueueEnvelope(ctx, env)
}

func (q *Queue) enqueueEnvelope(ctx context.Context, env envelope) (*Handle, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	if err := q.wq.Enqueue(ctx, q.name, raw); err != nil {
		return nil, err
	}
	q.mu.Lock()
	q.states[env.ID] = StateWaiting
	// A redelivered job keeps its waiter so a Finished call made before
	// the retry still receives the final result.
	if _, ok := q.waiters[env.ID]; !ok {
		q.waiters[env.ID] = make(chan Result, 1)
	}
	q.mu.Unlock()
	return &Handle{id: env.ID, q: q}, nil
}

// Run starts concurrency worker goroutines pulling from the queue until
// ctx is cancelled. Each job's Process is given a context bounded by its
// declared JobTimeout.
func (q *Queue) Run(ctx context.Context, concurrency int, process Process) {
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.workerLoop(ctx, process)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (q *Queue) workerLoop(ctx context.Context, process Process) {
	log := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, handle, ok, err := q.wq.Reserve(ctx, q.name, 5*time.Second)
		if err != nil {
			log.Warnw("queue: reserve failed", "queue", q.name, "error", err)
			continue
		}
		if !ok {
			continue
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Errorw("queue: dropping undecodable job", "queue", q.name, "error", err)
			_ = q.wq.Ack(ctx, q.name, handle)
			continue
		}

		q.setState(env.ID, StateActive)

		jobCtx := ctx
		var cancel context.CancelFunc
		if env.JobTimeout > 0 {
			jobCtx, cancel = context.WithTimeout(ctx, time.Duration(env.JobTimeout)*time.Millisecond)
		}
		value, procErr := process(jobCtx, env.Payload)
		if cancel != nil {
			cancel()
		}

		if procErr == nil {
			_ = q.wq.Ack(ctx, q.name, handle)
			q.complete(env.ID, value)
			continue
		}

		env.Attempt++
		if env.Attempt >= env.MaxAttempts {
			_ = q.wq.Ack(ctx, q.name, handle)
			q.fail(env.ID, procErr)
			continue
		}

		_ = q.wq.Ack(ctx, q.name, handle)
		delay := q.backoffDelay(env)
		go q.redeliverAfter(ctx, env, delay)
	}
}

func (q *Queue) backoffDelay(env envelope) time.Duration {
	base := time.Duration(env.BackoffBase) * time.Millisecond
	if base <= 0 {
		base = time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	var d time.Duration
	for i := 0; i <= env.Attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (q *Queue) redeliverAfter(ctx context.Context, env envelope, delay time.Duration) {
	timer := q.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C():
	}
	if _, err := q.enqueueEnvelope(ctx, env); err != nil {
		logging.FromContext(ctx).Errorw("queue: redelivery enqueue failed", "queue", q.name, "jobId", env.ID, "error", err)
	}
}

func (q *Queue) setState(id string, s State) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[id] = s
}

func (q *Queue) complete(id string, value []byte) {
	q.mu.Lock()
	q.states[id] = StateCompleted
	if ch, ok := q.waiters[id]; ok {
		ch <- Result{Value: value}
	}
	q.completedOrder.PushBack(id)
	q.evictOldest(q.completedOrder, defaultRetention)
	q.mu.Unlock()
}

func (q *Queue) fail(id string, err error) {
	q.mu.Lock()
	q.states[id] = StateFailed
	if ch, ok := q.waiters[id]; ok {
		ch <- Result{Err: err}
	}
	q.failedOrder.PushBack(id)
	q.evictOldest(q.failedOrder, defaultRetention)
	q.mu.Unlock()
}

// defaultRetention bounds how many completed and how many failed job
// records this process keeps. It applies to every job: the
// RemoveOnComplete/RemoveOnFail values of EnqueueOptions are stored on the
// envelope but not read, so they do not change retention.
const defaultRetention = 1000

// evictOldest must be called with q.mu held.
func (q *Queue) evictOldest(order *list.List, keep int) {
	for order.Len() > keep {
		front := order.Front()
		order.Remove(front)
		id := front.Value.(string)
		delete(q.states, id)
		delete(q.waiters, id)
	}
}

// Stats reports how many jobs this process has seen in each terminal
// state, plus how many are currently active, since process start (or
// since defaultRetention eviction, whichever is more recent).
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	active := 0
	for _, s := range q.states {
		if s == StateActive || s == StateWaiting {
			active++
		}
	}
	return Stats{
		Name:      q.name,
		Active:    active,
		Completed: q.completedOrder.Len(),
		Failed:    q.failedOrder.Len(),
	}
}

// RunStallDetector periodically reclaims jobs whose reservation has gone
// stale without being acked (spec.md §4.6: "the queue detects stalled
// jobs via periodic heartbeat and retries them up to maxStalledCount").
func (q *Queue) RunStallDetector(ctx context.Context, interval, staleAfter time.Duration, maxStalledCount int) {
	ticker := q.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			handles, err := q.wq.StalledHandles(ctx, q.name, staleAfter)
			if err != nil {
				logging.FromContext(ctx).Warnw("queue: stall detection failed", "queue", q.name, "error", err)
				continue
			}
			for _, h := range handles {
				q.mu.Lock()
				q.stalledCounts[h]++
				count := q.stalledCounts[h]
				q.mu.Unlock()
				if count > maxStalledCount {
					_ = q.wq.Ack(ctx, q.name, h)
					continue
				}
				_ = q.wq.Nack(ctx, q.name, h)
			}
		}
	}
}

// FallbackExecutor implements spec.md §4.6's direct in-process execution
// mode, gated by a weighted semaphore rather than a queue at all — used
// when the caller chooses to bypass queue mechanics entirely, e.g.
// because the KV substrate backing kv.WorkQueue is unavailable.
type FallbackExecutor struct {
	sem *semaphore.Weighted
}

// NewFallbackExecutor builds an executor with the given concurrency.
func NewFallbackExecutor(concurrency int64) *FallbackExecutor {
	return &FallbackExecutor{sem: semaphore.NewWeighted(concurrency)}
}

// Do runs fn once a slot is free, blocking until then or ctx is done.
func (f *FallbackExecutor) Do(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)
	return fn(ctx)
}
