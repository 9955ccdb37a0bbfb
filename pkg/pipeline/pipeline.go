// Package pipeline implements the per-subscription orchestrator of
// spec.md §4.10: Expand → Collect → Normalize → Match → Notify, with a
// checkpoint and a cancellation poll at every stage boundary.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/jobscout/pipeline-engine/pkg/adapters/collection"
	"github.com/jobscout/pipeline-engine/pkg/adapters/llm"
	"github.com/jobscout/pipeline-engine/pkg/adapters/notification"
	"github.com/jobscout/pipeline-engine/pkg/cancelreg"
	pipelineerrors "github.com/jobscout/pipeline-engine/pkg/errors"
	"github.com/jobscout/pipeline-engine/pkg/hashkey"
	"github.com/jobscout/pipeline-engine/pkg/logging"
	"github.com/jobscout/pipeline-engine/pkg/model"
	"github.com/jobscout/pipeline-engine/pkg/queue"
	"github.com/jobscout/pipeline-engine/pkg/requestcache"
	"github.com/jobscout/pipeline-engine/pkg/runtracker"
	"github.com/jobscout/pipeline-engine/pkg/worker"
)

// Sources is the fixed list of job boards queried per title (spec.md
// §4.10 step 2: "for each title × source combo").
var Sources = []string{"linkedin", "indeed"}

// Driver wires every collaborator Run needs. Expander is optional: a nil
// Expander skips spec.md §4.10 step 1 entirely. CollectTimeout and
// MatchTimeout must be set to a positive duration; the queue leaves a
// job's context unbounded when a declared JobTimeout is zero.
type Driver struct {
	Tracker      *runtracker.Tracker
	CancelReg    *cancelreg.Registry
	RequestCache *requestcache.Cache[[]model.RawJob]
	CollectQueue *queue.Queue
	MatchQueue   *queue.Queue
	Notifier     notification.Sender
	Expander     llm.Caller

	MaxQueriesPerRun int
	ExpandMaxTitles  int
	ExpandFromResume int
	CollectTimeout   time.Duration
	MatchTimeout     time.Duration

	// ChannelForSub resolves the notification destination for a
	// subscription (e.g. a per-tenant Slack channel id).
	ChannelForSub func(subscriptionID string) string
}

type expandResponse struct {
	Titles []string `json:"titles"`
}

// Run drives one pipeline execution end to end (spec.md §4.10). A
// cancelled run returns pipelineerrors.ErrCancelled; the caller decides
// how to record that distinctly from a hard failure.
func (d *Driver) Run(ctx context.Context, sub *model.Subscription, run *model.Run) error {
	log := logging.FromContext(ctx)

	titles := d.expand(ctx, run.ID, sub)
	if err := d.checkpoint(ctx, run.ID, model.StageCollection, 5, "expansion complete"); err != nil {
		return err
	}

	raw, err := d.collect(ctx, run, sub, titles)
	if err != nil {
		return err
	}
	if err := d.checkpoint(ctx, run.ID, model.StageNormalization, 40, fmt.Sprintf("%d raw jobs collected", len(raw))); err != nil {
		return err
	}

	normalized := d.normalize(sub, raw)
	if err := d.Tracker.Update(ctx, run.ID, len(raw), len(normalized), 0, 0); err != nil {
		log.Warnw("pipeline: failed to update stats after normalize", "runId", run.ID, "error", err)
	}
	if err := d.checkpoint(ctx, run.ID, model.StageMatching, 55, fmt.Sprintf("%d jobs after dedup", len(normalized))); err != nil {
		return err
	}

	matches, err := d.match(ctx, run, sub, normalized)
	if err != nil {
		return err
	}
	if err := d.checkpoint(ctx, run.ID, model.StageNotification, 90, fmt.Sprintf("%d jobs matched", len(matches))); err != nil {
		return err
	}

	sent, err := d.notify(ctx, run, sub, matches)
	if err != nil {
		return err
	}
	if err := d.Tracker.Update(ctx, run.ID, len(raw), len(normalized), len(matches), sent); err != nil {
		log.Warnw("pipeline: failed to update final stats", "runId", run.ID, "error", err)
	}
	return nil
}

func (d *Driver) checkpoint(ctx context.Context, runID string, stage model.Stage, percent int, detail string) error {
	if d.CancelReg.IsCancelled(ctx, runID) {
		return pipelineerrors.ErrCancelled
	}
	return d.Tracker.Checkpoint(ctx, runID, stage, percent, detail, nil)
}

// expand implements spec.md §4.10 step 1: optionally ask the LLM for
// additional titles derived from the resume, bounded to ExpandFromResume
// beyond the subscription's own ExpandMaxTitles. A failed expansion call
// degrades to the declared titles rather than failing the run.
func (d *Driver) expand(ctx context.Context, runID string, sub *model.Subscription) []string {
	titles := append([]string{}, sub.Titles...)
	if len(titles) > d.ExpandMaxTitles {
		titles = titles[:d.ExpandMaxTitles]
	}
	if d.Expander == nil || sub.ResumeText == "" {
		return titles
	}

	var resp expandResponse
	prompt := fmt.Sprintf("Given this resume, suggest up to %d additional job titles to search for (JSON {\"titles\": [string]}):\n\n%s", d.ExpandFromResume, sub.ResumeText)
	schema := json.RawMessage(`{"type":"object","required":["titles"],"properties":{"titles":{"type":"array","items":{"type":"string"}}}}`)
	err := d.Expander.Call(ctx, []llm.Message{{Role: "user", Content: prompt}}, schema, "", llm.Options{MaxTokens: 256}, &resp)
	if err != nil {
		logging.FromContext(ctx).Warnw("pipeline: title expansion failed, continuing with declared titles only", "runId", runID, "error", err)
		return titles
	}
	extra := resp.Titles
	if len(extra) > d.ExpandFromResume {
		extra = extra[:d.ExpandFromResume]
	}
	return append(titles, extra...)
}

// collect implements spec.md §4.10 step 2: one collection job per
// title × source, deduplicated through the RequestCache, bounded by
// MaxQueriesPerRun. Per-query failures are warned and skipped.
func (d *Driver) collect(ctx context.Context, run *model.Run, sub *model.Subscription, titles []string) ([]model.RawJob, error) {
	log := logging.FromContext(ctx)
	var all []model.RawJob
	queries := 0

	isRemote := sub.Location != nil && sub.Location.IsRemote

	for _, title := range titles {
		for _, source := range Sources {
			if queries >= d.MaxQueriesPerRun {
				log.Warnw("pipeline: max queries per run reached, truncating collection", "runId", run.ID, "limit", d.MaxQueriesPerRun)
				return all, nil
			}
			if d.CancelReg.IsCancelled(ctx, run.ID) {
				return nil, pipelineerrors.ErrCancelled
			}
			queries++

			q := collection.Query{Query: title, Source: source, IsRemote: isRemote, Limit: 25}
			cacheKey := hashkey.Collection(hashkey.CollectionParams{
				Query: q.Query, Location: q.Location, IsRemote: q.IsRemote,
				JobType: q.JobType, DatePosted: q.DatePosted, Source: q.Source, Limit: q.Limit,
			})

			jobs, err := d.RequestCache.Get(ctx, cacheKey, q.SkipCache, func(ctx context.Context) ([]model.RawJob, error) {
				return d.enqueueCollect(ctx, run.ID, q)
			})
			if err != nil {
				log.Warnw("pipeline: collection query failed, continuing", "runId", run.ID, "source", source, "title", title, "error", err)
				continue
			}
			all = append(all, jobs...)
		}
	}
	return all, nil
}

func (d *Driver) enqueueCollect(ctx context.Context, runID string, q collection.Query) ([]model.RawJob, error) {
	payload, err := json.Marshal(worker.CollectionJob{RunID: runID, Query: q})
	if err != nil {
		return nil, err
	}
	handle, err := d.CollectQueue.Enqueue(ctx, payload, queue.EnqueueOptions{
		Priority: 2, Attempts: 3, Backoff: queue.BackoffOptions{Base: time.Second},
		JobTimeout: d.CollectTimeout,
	})
	if err != nil {
		return nil, err
	}
	fctx, cancel := context.WithTimeout(ctx, d.CollectTimeout+5*time.Second)
	defer cancel()
	raw, err := handle.Finished(fctx)
	if err != nil {
		return nil, err
	}
	var out worker.CollectionOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// normalize implements spec.md §4.10 step 3: content-hash dedup plus the
// wrong-country filter (Glossary: reject jobs whose location indicates
// the opposite country from a subscription that targets a specific one).
func (d *Driver) normalize(sub *model.Subscription, raw []model.RawJob) []model.NormalizedJob {
	inCountry := lo.Filter(raw, func(job model.RawJob, _ int) bool {
		return sub.Location == nil || sub.Location.Country == "" || !wrongCountry(job.Location, sub.Location.Country)
	})
	hashed := lo.Map(inCountry, func(job model.RawJob, _ int) model.NormalizedJob {
		return model.NormalizedJob{RawJob: job, ContentHash: hashkey.Content(job.Title, job.Company, job.Location)}
	})
	return lo.UniqBy(hashed, func(j model.NormalizedJob) string { return j.ContentHash })
}

// countryIndicators is a small heuristic table for the wrong-country
// filter; real geocoding is out of scope (spec.md Non-goals).
var countryIndicators = map[string][]string{
	"CA": {"canada", "ontario", "toronto", "vancouver", "quebec", "montreal", "alberta"},
	"US": {"usa", "united states", "california", "new york", "texas", "seattle", "austin"},
}

func wrongCountry(location, targetCountry string) bool {
	loc := strings.ToLower(location)
	target := strings.ToUpper(targetCountry)
	for country, indicators := range countryIndicators {
		if country == target {
			continue
		}
		for _, ind := range indicators {
			if strings.Contains(loc, ind) {
				return true
			}
		}
	}
	return false
}

type matchedJob struct {
	job    model.NormalizedJob
	result model.MatchResult
}

// match implements spec.md §4.10 step 4: one matching job per deduped
// posting, aggregated; per-job failures are recorded and skipped.
func (d *Driver) match(ctx context.Context, run *model.Run, sub *model.Subscription, jobs []model.NormalizedJob) ([]matchedJob, error) {
	log := logging.FromContext(ctx)
	var out []matchedJob
	for _, job := range jobs {
		if d.CancelReg.IsCancelled(ctx, run.ID) {
			return nil, pipelineerrors.ErrCancelled
		}

		payload, err := json.Marshal(worker.MatchJob{
			RunID: run.ID, SubscriptionID: sub.ID,
			ContentHash: job.ContentHash, ResumeHash: sub.ResumeHash,
			Title: job.Title, Company: job.Company, Location: job.Location,
			ResumeText: sub.ResumeText,
		})
		if err != nil {
			log.Warnw("pipeline: failed to encode match job, skipping", "runId", run.ID, "error", err)
			continue
		}
		handle, err := d.MatchQueue.Enqueue(ctx, payload, queue.EnqueueOptions{
			Priority: 1, Attempts: 3, Backoff: queue.BackoffOptions{Base: time.Second},
			JobTimeout: d.MatchTimeout,
		})
		if err != nil {
			log.Warnw("pipeline: failed to enqueue match job, skipping", "runId", run.ID, "error", err)
			continue
		}

		fctx, cancel := context.WithTimeout(ctx, d.MatchTimeout+5*time.Second)
		raw, err := handle.Finished(fctx)
		cancel()
		if err != nil {
			log.Warnw("pipeline: matching job failed, skipping", "runId", run.ID, "contentHash", job.ContentHash, "error", err)
			continue
		}

		var result model.MatchResult
		if err := json.Unmarshal(raw, &result); err != nil {
			log.Warnw("pipeline: failed to decode match result, skipping", "runId", run.ID, "error", err)
			continue
		}
		out = append(out, matchedJob{job: job, result: result})
	}
	return out, nil
}

// notify implements spec.md §4.10 step 5: filter by threshold, deliver
// with a dedup idempotency key.
func (d *Driver) notify(ctx context.Context, run *model.Run, sub *model.Subscription, matches []matchedJob) (int, error) {
	sent := 0
	channel := ""
	if d.ChannelForSub != nil {
		channel = d.ChannelForSub(sub.ID)
	}
	for _, m := range matches {
		if m.result.Score < sub.MinScore {
			continue
		}
		if d.CancelReg.IsCancelled(ctx, run.ID) {
			return sent, pipelineerrors.ErrCancelled
		}
		n := notification.Notification{
			SubscriptionID: sub.ID,
			ChannelID:      channel,
			IdempotencyKey: hashkey.Idempotency(sub.ID, m.job.ContentHash),
			Job:            m.job.RawJob,
			Match:          m.result,
		}
		if err := d.Notifier.Send(ctx, n); err != nil {
			logging.FromContext(ctx).Warnw("pipeline: notification delivery failed, skipping", "runId", run.ID, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}
