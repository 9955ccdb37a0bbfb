// Package engine wires every collaborator of spec.md §9 into one
// long-lived process object: the durable store, the KV substrate
// (Redis-backed or process-local), the distributed primitives built on
// it, the two work queues and their workers, the scheduler, and the
// pipeline driver that ties them together. This is the one place that
// chooses concrete adapters from pkg/options.Options; everything else in
// the tree depends on interfaces.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/jobscout/pipeline-engine/pkg/adapters/collection"
	"github.com/jobscout/pipeline-engine/pkg/adapters/llm"
	"github.com/jobscout/pipeline-engine/pkg/adapters/notification"
	"github.com/jobscout/pipeline-engine/pkg/cancelreg"
	pipelineerrors "github.com/jobscout/pipeline-engine/pkg/errors"
	"github.com/jobscout/pipeline-engine/pkg/keypool"
	"github.com/jobscout/pipeline-engine/pkg/kv"
	"github.com/jobscout/pipeline-engine/pkg/logging"
	"github.com/jobscout/pipeline-engine/pkg/model"
	"github.com/jobscout/pipeline-engine/pkg/options"
	"github.com/jobscout/pipeline-engine/pkg/pipeline"
	"github.com/jobscout/pipeline-engine/pkg/queue"
	"github.com/jobscout/pipeline-engine/pkg/ratelimiter"
	"github.com/jobscout/pipeline-engine/pkg/requestcache"
	"github.com/jobscout/pipeline-engine/pkg/runtracker"
	"github.com/jobscout/pipeline-engine/pkg/scheduler"
	"github.com/jobscout/pipeline-engine/pkg/store"
	"github.com/jobscout/pipeline-engine/pkg/sublock"
	"github.com/jobscout/pipeline-engine/pkg/worker"
)

const (
	collectQueueName = "collection"
	matchQueueName   = "matching"

	stallSweepInterval = 30 * time.Second
	stallMaxRedeliver  = 5
)

// Engine owns every long-lived collaborator for one process. Run starts
// its background loops (queue workers, stall detectors, scheduler tick
// loop) and blocks until ctx is cancelled.
type Engine struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Driver    *pipeline.Driver
	Tracker   *runtracker.Tracker
	Lock      *sublock.SubLock
	CancelReg *cancelreg.Registry

	collectQueue   *queue.Queue
	matchQueue     *queue.Queue
	collectProcess queue.Process
	matchProcess   queue.Process
	cache          *requestcache.Cache[[]model.RawJob]

	collectConcurrency int
	matchConcurrency   int
	lockTTL            time.Duration
}

// New wires every collaborator named in spec.md §9 from opts, connecting
// to Postgres and (if configured) Redis. db must already be open and
// migrated; New does not call db.Migrate itself so callers control when
// schema changes happen relative to process startup.
func New(db *store.Store, opts *options.Options, clk clock.Clock) (*Engine, error) {
	kvStore, err := newKVSubstrate(opts, clk)
	if err != nil {
		return nil, err
	}

	lock := sublock.New(kvStore, clk)
	cancelReg := cancelreg.New(kvStore, time.Duration(opts.CancelTTLSec)*time.Second)
	tracker := runtracker.New(db, clk)
	cache := requestcache.New(clk, time.Duration(opts.RequestCacheTTLMs)*time.Millisecond, cloneRawJobs)

	rl := ratelimiter.New(clk, map[string]ratelimiter.Profile{
		"linkedin": withBaseDelay(ratelimiter.LinkedInProfile, time.Duration(opts.LinkedInDelayMs)*time.Millisecond),
		"indeed":   withBaseDelay(ratelimiter.IndeedProfile, time.Duration(opts.IndeedDelayMs)*time.Millisecond),
	})

	collectQueue := queue.New(collectQueueName, kvStore, clk)
	matchQueue := queue.New(matchQueueName, kvStore, clk)

	collector := newCollector(opts)
	caller := newLLMCaller(opts)
	notifier := newNotifier(opts)
	pool := keypool.New(clk, llmKeys(opts), opts.KeyRPM)

	collectWorker := &worker.CollectionWorker{Collector: collector, RateLimiter: rl, CancelReg: cancelReg}
	matchWorker := &worker.MatchingWorker{Caller: caller, KeyPool: pool, Store: db, CancelReg: cancelReg}

	driver := &pipeline.Driver{
		Tracker:          tracker,
		CancelReg:        cancelReg,
		RequestCache:     cache,
		CollectQueue:     collectQueue,
		MatchQueue:       matchQueue,
		Notifier:         notifier,
		Expander:         expanderFor(opts, caller),
		MaxQueriesPerRun: opts.MaxQueriesPerRun,
		ExpandMaxTitles:  opts.ExpandMaxTitles,
		ExpandFromResume: opts.ExpandFromResume,
		CollectTimeout:   3 * time.Minute,
		MatchTimeout:     time.Minute,
		ChannelForSub:    func(string) string { return opts.SlackChannel },
	}

	sched := scheduler.New(db, lock, tracker, driver, clk, scheduler.Config{
		JobInterval: time.Duration(opts.JobIntervalHours) * time.Hour,
		LockTTL:     time.Duration(opts.LockTTLSec) * time.Second,
		MaxPerTick:  opts.MaxPerMinute,
		StuckAfter:  time.Duration(opts.StuckRunMinutes) * time.Minute,
		StaleAfter:  time.Duration(opts.StaleRunHours) * time.Hour,
	})

	return &Engine{
		Store: db, Scheduler: sched, Driver: driver, Tracker: tracker,
		Lock: lock, CancelReg: cancelReg,
		collectQueue: collectQueue, matchQueue: matchQueue,
		collectProcess: collectWorker.Process, matchProcess: matchWorker.Process,
		cache:              cache,
		collectConcurrency: opts.QueueCollectConcurrency,
		matchConcurrency:   opts.QueueLLMConcurrency,
		lockTTL:            time.Duration(opts.LockTTLSec) * time.Second,
	}, nil
}

func withBaseDelay(p ratelimiter.Profile, base time.Duration) ratelimiter.Profile {
	if base > 0 {
		p.BaseDelay = base
		p.SuccessDelay = base
	}
	return p
}

func newKVSubstrate(opts *options.Options, clk clock.Clock) (kv.Store, error) {
	if opts.RedisAddr == "" {
		return kv.NewInProcessStore(clk), nil
	}
	client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
	return kv.NewRedisStore(client), nil
}

func newCollector(opts *options.Options) collection.Collector {
	baseURL := options.WithDefaultString("COLLECTION_BASE_URL", "")
	if baseURL == "" {
		return collection.NewFake()
	}
	return collection.NewHTTPCollector(baseURL, http.DefaultClient)
}

func newLLMCaller(opts *options.Options) llm.Caller {
	switch opts.LLMBackend {
	case "anthropic":
		return llm.NewAnthropicCaller()
	case "bedrock":
		return llm.NewBedrockCaller(options.WithDefaultString("AWS_REGION", "us-east-1"))
	default:
		return llm.NewFake()
	}
}

func expanderFor(opts *options.Options, caller llm.Caller) llm.Caller {
	if opts.LLMBackend == "fake" {
		return nil
	}
	return caller
}

func newNotifier(opts *options.Options) notification.Sender {
	if opts.SlackToken == "" {
		return notification.NewFake()
	}
	return notification.NewSlackSender(opts.SlackToken)
}

// llmKeys returns the pool of identifiers keypool.Pool round-robins
// through: Anthropic API keys, AWS shared-config profile names for
// Bedrock, or a single placeholder key when the backend is the fake.
func llmKeys(opts *options.Options) []string {
	switch opts.LLMBackend {
	case "bedrock":
		return strings.Split(options.WithDefaultString("AWS_PROFILES", "default"), ",")
	case "anthropic":
		return strings.Split(options.WithDefaultString("ANTHROPIC_API_KEYS", ""), ",")
	default:
		return []string{"fake-key"}
	}
}

func cloneRawJobs(jobs []model.RawJob) []model.RawJob {
	out := make([]model.RawJob, len(jobs))
	copy(out, jobs)
	return out
}

// Run starts the collection/matching workers, their stall detectors, and
// the scheduler's tick/cleanup loops. Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	go e.collectQueue.Run(ctx, e.collectConcurrency, e.collectProcess)
	go e.matchQueue.Run(ctx, e.matchConcurrency, e.matchProcess)
	go e.collectQueue.RunStallDetector(ctx, stallSweepInterval, 2*e.Driver.CollectTimeout, stallMaxRedeliver)
	go e.matchQueue.RunStallDetector(ctx, stallSweepInterval, 2*e.Driver.MatchTimeout, stallMaxRedeliver)
	go e.cache.RunSweeper(ctx)
	e.Scheduler.Run(ctx)
}

// Diagnostics implements spec.md §6's diagnostics() control operation:
// queue stats, in-flight request-cache size, and the subscription locks
// this process holds through the fallback path (see sublock.Snapshot).
const recentFailuresLimit = 20

type Diagnostics struct {
	CollectQueue     queue.Stats          `json:"collectQueue"`
	MatchQueue       queue.Stats          `json:"matchQueue"`
	RequestCacheSize int                  `json:"requestCacheSize"`
	FallbackLocks    map[string]time.Time `json:"fallbackLocks"`
	RecentFailures   []*model.Run         `json:"recentFailures"`
}

func (e *Engine) Diagnostics(ctx context.Context) (Diagnostics, error) {
	failures, err := e.Store.ListRecentFailedRuns(ctx, recentFailuresLimit)
	if err != nil {
		return Diagnostics{}, fmt.Errorf("engine: diagnostics: %w", err)
	}
	return Diagnostics{
		CollectQueue:     e.collectQueue.Stats(),
		MatchQueue:       e.matchQueue.Stats(),
		RequestCacheSize: e.cache.Len(),
		FallbackLocks:    e.Lock.Snapshot(),
		RecentFailures:   failures,
	}, nil
}

// RecoverOnStartup must be called once before Run, after migrations, so
// runs interrupted by a previous process crash are failed and their
// subscriptions made immediately schedulable again (spec.md §4.9).
func (e *Engine) RecoverOnStartup(ctx context.Context) error {
	return e.Scheduler.RecoverOnStartup(ctx)
}

// StartRun triggers an out-of-band run for one subscription (spec.md §9
// control surface: startRun), independent of the scheduler's tick. Like
// the scheduler, it takes the subscription's lock first so a manual
// trigger can never race a concurrent scheduled run.
func (e *Engine) StartRun(ctx context.Context, sub *model.Subscription) (*model.Run, error) {
	if !e.Lock.Acquire(ctx, sub.ID, e.lockTTL) {
		return nil, fmt.Errorf("engine: subscription %s already has a run in flight", sub.ID)
	}
	run, err := e.Tracker.Start(ctx, sub.ID, model.TriggerAPI)
	if err != nil {
		e.Lock.Release(ctx, sub.ID)
		return nil, fmt.Errorf("engine: starting manual run: %w", err)
	}
	go func() {
		bg := context.Background()
		defer e.Lock.Release(bg, sub.ID)
		log := logging.FromContext(bg)
		if err := e.Driver.Run(bg, sub, run); err != nil {
			if pipelineerrors.Is(err, pipelineerrors.ErrCancelled) {
				if cerr := e.Tracker.Cancel(bg, run.ID); cerr != nil {
					log.Errorw("engine: failed to record manual run cancellation", "runId", run.ID, "error", cerr)
				}
				return
			}
			if ferr := e.Tracker.Fail(bg, run.ID, run.CurrentStage, err, map[string]any{"subscriptionId": sub.ID}); ferr != nil {
				log.Errorw("engine: failed to record manual run failure", "runId", run.ID, "error", ferr)
			}
			return
		}
		if cerr := e.Tracker.Complete(bg, run.ID); cerr != nil {
			log.Errorw("engine: failed to record manual run completion", "runId", run.ID, "error", cerr)
		}
	}()
	return run, nil
}

// StopRun requests cancellation of an in-flight run (spec.md §9 control
// surface: stopRun). Fire-and-forget: the caller does not wait for the
// run to actually observe the flag.
func (e *Engine) StopRun(ctx context.Context, runID string) {
	e.CancelReg.MarkCancelled(ctx, runID)
}

// FailStuckRuns implements the control surface's failStuckRuns(minAge)
// operation: an operator-triggered version of the cleanup sweep the
// scheduler already runs on its own interval (spec.md §9).
func (e *Engine) FailStuckRuns(ctx context.Context, minAge time.Duration) (int, error) {
	return e.Tracker.FailStaleRuns(ctx, minAge)
}
