// Package model holds the shared data types of spec.md §3: Subscription,
// Run and its Checkpoint, and the job and match types the pipeline passes
// between stages. Lock, cache-entry, per-key and per-source state are kept
// privately by pkg/sublock, pkg/requestcache, pkg/keypool and
// pkg/ratelimiter rather than defined here. These are plain structs
// rather than the teacher's Kubernetes CRD types (pkg/apis/v1.EC2NodeClass
// and friends) because this domain has no API server to register a scheme
// with — persistence is Postgres, not etcd.
package model

import "time"

// Location is a subscription's geographic filter.
type Location struct {
	IsRemote bool
	Country  string // empty means unset
}

// Subscription is a tenant's persistent search spec (spec.md §3).
type Subscription struct {
	ID           string
	TenantID     string
	Titles       []string
	Location     *Location
	ResumeText   string
	ResumeHash   string
	MinScore     int
	IsActive     bool
	IsPaused     bool
	DebugMode    bool
	CreatedAt    time.Time
	LastSearchAt *time.Time
	NextRunAt    *time.Time
}

// Eligible reports whether the subscription is due to run, per spec.md §3:
// "isActive ∧ ¬isPaused ∧ (nextRunAt = ∅ ∨ nextRunAt ≤ now)".
func (s *Subscription) Eligible(now time.Time) bool {
	if !s.IsActive || s.IsPaused {
		return false
	}
	return s.NextRunAt == nil || !s.NextRunAt.After(now)
}

// TriggerType identifies what caused a Run to start.
type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerAPI       TriggerType = "api"
)

// RunStatus is the Run state machine's state (spec.md §4.8).
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether status is one of the absorbing terminal states.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Stage is the pipeline stage a Run's progress is currently in.
type Stage string

const (
	StageCollection    Stage = "collection"
	StageNormalization Stage = "normalization"
	StageMatching      Stage = "matching"
	StageNotification  Stage = "notification"
)

// Checkpoint is the opaque, durable progress marker of spec.md §3 and
// §4.8, written at stage boundaries so a crashed run can be diagnosed
// and restarted from a known point.
type Checkpoint struct {
	Stage      Stage
	Percent    int
	Detail     string
	Opaque     map[string]any
	RecordedAt time.Time
}

// Run is one pipeline execution for one subscription (spec.md §3).
type Run struct {
	ID             string
	SubscriptionID string
	TriggerType    TriggerType
	Status         RunStatus

	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  *int64

	JobsCollected     int
	JobsAfterDedup    int
	JobsMatched       int
	NotificationsSent int

	CurrentStage    Stage
	ProgressPercent int
	ProgressDetail  string

	FailedStage  *Stage
	ErrorMessage *string
	ErrorStack   *string
	ErrorContext map[string]any

	Checkpoint *Checkpoint
}

// RawJob is a posting as returned by a collection adapter, pre-dedup.
type RawJob struct {
	Title    string
	Company  string
	Location string
	Source   string
	URL      string
	Posted   string // opaque datePosted token, see spec.md §9 Open Questions
}

// NormalizedJob is a RawJob after content-hash computation and dedup.
type NormalizedJob struct {
	RawJob
	ContentHash string
}

// MatchResult is the LLM's score for one job against one subscription's resume.
type MatchResult struct {
	ContentHash string
	ResumeHash  string
	Score       int
	Reasoning   string
}
