// Package notification defines the narrow Send adapter used by the
// pipeline's final stage (spec.md §2, "Notify") with a
// github.com/slack-go/slack implementation (named in
// jordigilh-kubernaut's go.mod — a subscription-driven job-search product
// plausibly notifies its tenants over Slack) plus an in-memory fake.
package notification

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/jobscout/pipeline-engine/pkg/model"
)

// Notification is one tenant-facing message about a matched job.
type Notification struct {
	SubscriptionID string
	ChannelID      string
	IdempotencyKey string
	Job            model.RawJob
	Match          model.MatchResult
}

// Sender is the narrow adapter interface the pipeline's notify stage
// depends on.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// SlackSender delivers notifications as Slack messages, one per matched
// job. The IdempotencyKey is carried in the message metadata only:
// neither SlackSender nor its caller checks it, so a repeated Send with
// the same key posts the message again.
type SlackSender struct {
	client *slack.Client
}

func NewSlackSender(token string) *SlackSender {
	return &SlackSender{client: slack.New(token)}
}

func (s *SlackSender) Send(ctx context.Context, n Notification) error {
	text := fmt.Sprintf("*%s* at *%s* — score %d\n%s", n.Job.Title, n.Job.Company, n.Match.Score, n.Job.URL)
	_, _, err := s.client.PostMessageContext(ctx, n.ChannelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionMetadata(slack.SlackMetadata{
			EventType: "job_match",
			EventPayload: map[string]interface{}{
				"idempotency_key": n.IdempotencyKey,
				"subscription_id": n.SubscriptionID,
			},
		}),
	)
	if err != nil {
		return fmt.Errorf("notification adapter: slack post to %s: %w", n.ChannelID, err)
	}
	return nil
}

// Fake is an in-memory Sender for tests.
type Fake struct {
	Sent []Notification
	Err  error
}

func NewFake() *Fake { return &Fake{} }

func (f *Fake) Send(_ context.Context, n Notification) error {
	if f.Err != nil {
		return f.Err
	}
	f.Sent = append(f.Sent, n)
	return nil
}
