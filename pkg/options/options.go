// Package options defines the engine's tunables (spec.md §6) as flags with
// environment-variable defaults, the idiom the teacher's cmd/controller/main.go
// uses for its own flags (flag.StringVar(&opts.X, "x", env.WithDefaultString(...))).
package options

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	pipelineerrors "github.com/jobscout/pipeline-engine/pkg/errors"
)

// Options holds every tunable named in spec.md §6.
type Options struct {
	JobIntervalHours        int
	QueueCollectConcurrency int
	QueueLLMConcurrency     int
	KeyRPM                  int
	CollectMinDelayMs       int
	LinkedInDelayMs         int
	IndeedDelayMs           int
	MaxQueriesPerRun        int
	LockTTLSec              int
	CancelTTLSec            int
	RequestCacheTTLMs       int

	MaxPerMinute     int
	SafetyWindow     time.Duration
	RetryDelay       time.Duration
	StuckRunMinutes  int
	StaleRunHours    int
	ExpandMaxTitles  int
	ExpandFromResume int

	RedisAddr    string
	PostgresDSN  string
	LogLevel     string
	ControlAddr  string
	LLMBackend   string // "anthropic" | "bedrock" | "fake"
	SlackToken   string
	SlackChannel string
}

// WithDefaultString returns the value of the named environment variable, or
// def if unset/empty. Mirrors the teacher's env.WithDefaultString helper.
func WithDefaultString(envVar, def string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return def
}

// WithDefaultInt is the integer counterpart of WithDefaultString.
func WithDefaultInt(envVar string, def int) int {
	if v := os.Getenv(envVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Parse registers flags for every tunable and parses the process's
// argument list. Intended to be called once from main().
func Parse() *Options {
	o := &Options{}
	flag.IntVar(&o.JobIntervalHours, "job-interval-hours", WithDefaultInt("JOB_INTERVAL_HOURS", 1), "hours between successful runs of a subscription")
	flag.IntVar(&o.QueueCollectConcurrency, "queue-collect-concurrency", WithDefaultInt("QUEUE_COLLECT_CONCURRENCY", 2), "concurrent collection workers")
	flag.IntVar(&o.QueueLLMConcurrency, "queue-llm-concurrency", WithDefaultInt("QUEUE_LLM_CONCURRENCY", 5), "concurrent matching workers")
	flag.IntVar(&o.KeyRPM, "key-rpm", WithDefaultInt("KEY_RPM", 10), "requests per minute per LLM API key")
	flag.IntVar(&o.CollectMinDelayMs, "collect-min-delay-ms", WithDefaultInt("COLLECT_MIN_DELAY_MS", 1500), "default per-source minimum delay")
	flag.IntVar(&o.LinkedInDelayMs, "linkedin-delay-ms", WithDefaultInt("LINKEDIN_DELAY_MS", 3000), "linkedin-specific minimum delay")
	flag.IntVar(&o.IndeedDelayMs, "indeed-delay-ms", WithDefaultInt("INDEED_DELAY_MS", 1000), "indeed-specific minimum delay")
	flag.IntVar(&o.MaxQueriesPerRun, "max-queries-per-run", WithDefaultInt("MAX_QUERIES_PER_RUN", 100), "ceiling on collection queries per run")
	flag.IntVar(&o.LockTTLSec, "lock-ttl-sec", WithDefaultInt("LOCK_TTL_SEC", 7200), "subscription lock TTL")
	flag.IntVar(&o.CancelTTLSec, "cancel-ttl-sec", WithDefaultInt("CANCEL_TTL_SEC", 3600), "cancellation flag TTL")
	flag.IntVar(&o.RequestCacheTTLMs, "request-cache-ttl-ms", WithDefaultInt("REQUEST_CACHE_TTL_MS", 300000), "in-flight collection cache TTL")
	flag.IntVar(&o.MaxPerMinute, "max-per-minute", WithDefaultInt("MAX_PER_MINUTE", 5), "max subscriptions started per scheduler tick")
	flag.IntVar(&o.StuckRunMinutes, "stuck-run-minutes", WithDefaultInt("STUCK_RUN_MINUTES", 10), "minutes without a checkpoint before a running run is considered stuck")
	flag.IntVar(&o.StaleRunHours, "stale-run-hours", WithDefaultInt("STALE_RUN_HOURS", 24), "hours before a running run is considered stale")
	flag.IntVar(&o.ExpandMaxTitles, "expand-max-titles", WithDefaultInt("EXPAND_MAX_TITLES", 25), "max titles carried into a run before resume-derived expansion")
	flag.IntVar(&o.ExpandFromResume, "expand-from-resume", WithDefaultInt("EXPAND_FROM_RESUME", 10), "max additional titles the LLM may derive from the resume")
	flag.StringVar(&o.RedisAddr, "redis-addr", WithDefaultString("REDIS_ADDR", "localhost:6379"), "redis address backing the KV substrate")
	flag.StringVar(&o.PostgresDSN, "postgres-dsn", WithDefaultString("POSTGRES_DSN", ""), "postgres DSN backing the durable store")
	flag.StringVar(&o.LogLevel, "log-level", WithDefaultString("LOG_LEVEL", "info"), "zap log level")
	flag.StringVar(&o.ControlAddr, "control-addr", WithDefaultString("CONTROL_ADDR", ":8090"), "address the control-surface HTTP API binds to")
	flag.StringVar(&o.LLMBackend, "llm-backend", WithDefaultString("LLM_BACKEND", "fake"), "anthropic | bedrock | fake")
	flag.StringVar(&o.SlackToken, "slack-token", WithDefaultString("SLACK_BOT_TOKEN", ""), "slack bot token for notification delivery")
	flag.StringVar(&o.SlackChannel, "slack-channel", WithDefaultString("SLACK_CHANNEL", ""), "default slack channel id for notification delivery")
	flag.Parse()

	o.SafetyWindow = 24 * time.Hour
	o.RetryDelay = 5 * time.Minute
	return o
}

// Validate returns ErrConfiguration-class errors for nonsensical tunables.
// Called once at startup; a failure here is fatal (spec.md §7, Configuration).
func (o *Options) Validate() error {
	if o.QueueCollectConcurrency <= 0 || o.QueueLLMConcurrency <= 0 {
		return fmt.Errorf("%w: queue concurrency must be positive", pipelineerrors.ErrConfiguration)
	}
	if o.KeyRPM <= 0 {
		return fmt.Errorf("%w: key-rpm must be positive", pipelineerrors.ErrConfiguration)
	}
	if o.MaxQueriesPerRun <= 0 {
		return fmt.Errorf("%w: max-queries-per-run must be positive", pipelineerrors.ErrConfiguration)
	}
	return nil
}
