// Package worker implements the CollectionWorker and MatchingWorker of
// spec.md §4.7: the two queue.Process handlers that actually touch
// external systems, consulting the RateLimiter/KeyPool/match cache before
// and after each call. A github.com/avast/retry-go wrapper absorbs a
// single flaky network error per call without spending one of the
// queue's own retry attempts, the way the teacher's pkg/providers
// wraps EC2 DescribeX calls against transient AWS API errors.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"

	"github.com/jobscout/pipeline-engine/pkg/adapters/collection"
	"github.com/jobscout/pipeline-engine/pkg/adapters/llm"
	"github.com/jobscout/pipeline-engine/pkg/cancelreg"
	pipelineerrors "github.com/jobscout/pipeline-engine/pkg/errors"
	"github.com/jobscout/pipeline-engine/pkg/keypool"
	"github.com/jobscout/pipeline-engine/pkg/logging"
	"github.com/jobscout/pipeline-engine/pkg/model"
	"github.com/jobscout/pipeline-engine/pkg/ratelimiter"
)

// CollectionJob is the queue payload shape for a single-query collection
// job (spec.md §4.7).
type CollectionJob struct {
	RunID string           `json:"runId"`
	Query collection.Query `json:"query"`
}

// CollectionOutput is what a CollectionJob produces.
type CollectionOutput struct {
	Jobs []model.RawJob `json:"jobs"`
}

// CollectionWorker implements spec.md §4.7's CollectionWorker: poll
// cancellation, wait on the rate limiter, call the external collector,
// and record the outcome back into the rate limiter.
type CollectionWorker struct {
	Collector   collection.Collector
	RateLimiter *ratelimiter.Limiter
	CancelReg   *cancelreg.Registry
}

// Process implements queue.Process.
func (w *CollectionWorker) Process(ctx context.Context, payload []byte) ([]byte, error) {
	var job CollectionJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("collection worker: decoding job: %w", err)
	}

	if w.CancelReg.IsCancelled(ctx, job.RunID) {
		return nil, pipelineerrors.ErrCancelled
	}

	if err := w.RateLimiter.Wait(ctx, job.Query.Source); err != nil {
		return nil, err
	}

	breaker := w.RateLimiter.Breaker(job.Query.Source)
	var jobs []model.RawJob
	err := retry.Do(
		func() error {
			result, callErr := breaker.Execute(func() (any, error) {
				return w.Collector.Collect(ctx, job.Query)
			})
			if callErr != nil {
				return callErr
			}
			jobs = result.([]model.RawJob)
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			return !ratelimiter.Is429(err.Error()) && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: circuit open: %v", pipelineerrors.ErrRateLimited, job.Query.Source, err)
		}
		if ratelimiter.Is429(err.Error()) {
			w.RateLimiter.Record429(job.Query.Source)
			return nil, fmt.Errorf("%w: %s: %v", pipelineerrors.ErrRateLimited, job.Query.Source, err)
		}
		w.RateLimiter.RecordError(job.Query.Source, err.Error())
		return nil, fmt.Errorf("%w: %v", pipelineerrors.ErrTransient, err)
	}

	w.RateLimiter.RecordSuccess(job.Query.Source)
	return json.Marshal(CollectionOutput{Jobs: jobs})
}

// MatchJob is the queue payload shape for a single job/resume matching
// request (spec.md §4.7).
type MatchJob struct {
	RunID          string `json:"runId"`
	SubscriptionID string `json:"subscriptionId"`
	ContentHash    string `json:"contentHash"`
	ResumeHash     string `json:"resumeHash"`
	Title          string `json:"title"`
	Company        string `json:"company"`
	Location       string `json:"location"`
	ResumeText     string `json:"resumeText"`
}

// MatchStore is the subset of the persistent match cache a MatchingWorker
// needs (spec.md §4.7: "consult match cache (persistent)").
type MatchStore interface {
	GetJobMatch(ctx context.Context, contentHash, resumeHash string) (*model.MatchResult, bool, error)
	PutJobMatch(ctx context.Context, m model.MatchResult) error
}

// responseSchema is the declared shape an LLM score response must match
// (spec.md §6: "the returned parse MUST satisfy the declared JSON
// schema"). Kept as a literal schema document passed to the adapter
// rather than a Go struct tag set, since a future backend swap (a
// different model family) should not require touching the worker.
var responseSchema = json.RawMessage(`{
	"type": "object",
	"required": ["score", "reasoning"],
	"properties": {
		"score": {"type": "integer", "minimum": 0, "maximum": 100},
		"reasoning": {"type": "string"}
	}
}`)

type scoreResponse struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// MatchingWorker implements spec.md §4.7's MatchingWorker.
type MatchingWorker struct {
	Caller    llm.Caller
	KeyPool   *keypool.Pool
	Store     MatchStore
	CancelReg *cancelreg.Registry
	Model     string
}

// Process implements queue.Process.
func (w *MatchingWorker) Process(ctx context.Context, payload []byte) ([]byte, error) {
	var job MatchJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("matching worker: decoding job: %w", err)
	}

	if w.CancelReg.IsCancelled(ctx, job.RunID) {
		return nil, pipelineerrors.ErrCancelled
	}

	if cached, found, err := w.Store.GetJobMatch(ctx, job.ContentHash, job.ResumeHash); err == nil && found {
		return json.Marshal(model.MatchResult{ContentHash: job.ContentHash, ResumeHash: job.ResumeHash, Score: cached.Score, Reasoning: cached.Reasoning})
	}

	key, err := w.KeyPool.GetAvailableKey(ctx)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{
		{Role: "user", Content: scoringPrompt(job)},
	}

	var resp scoreResponse
	err = retry.Do(
		func() error {
			return w.Caller.Call(ctx, messages, responseSchema, key, llm.Options{Model: w.Model, MaxTokens: 512}, &resp)
		},
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.RetryIf(func(err error) bool {
			var rl *llm.KeyRateLimitedError
			return !errors.As(err, &rl)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var rl *llm.KeyRateLimitedError
		if errors.As(err, &rl) {
			w.KeyPool.MarkKey429(rl.Key)
			logging.FromContext(ctx).Warnw("matching worker: llm key rate limited", "key", keypool.MaskKey(rl.Key))
			return nil, fmt.Errorf("%w: %v", pipelineerrors.ErrKeyRateLimited, err)
		}
		if errors.Is(err, llm.ErrSchemaValidation) {
			return nil, fmt.Errorf("%w: %v", pipelineerrors.ErrValidationFailed, err)
		}
		// Anything else (timeouts, connection resets, 5xx) is a transient
		// call failure, not a malformed response (spec.md §7).
		return nil, fmt.Errorf("%w: %v", pipelineerrors.ErrTransient, err)
	}

	result := model.MatchResult{ContentHash: job.ContentHash, ResumeHash: job.ResumeHash, Score: resp.Score, Reasoning: resp.Reasoning}
	if err := w.Store.PutJobMatch(ctx, result); err != nil {
		logging.FromContext(ctx).Warnw("matching worker: failed to persist match cache entry", "error", err)
	}
	return json.Marshal(result)
}

func scoringPrompt(job MatchJob) string {
	return fmt.Sprintf(
		"Score how well this resume matches the job on a 0-100 scale. Respond with JSON {\"score\": int, \"reasoning\": string}.\n\nJob: %s at %s (%s)\n\nResume:\n%s",
		job.Title, job.Company, job.Location, job.ResumeText,
	)
}
