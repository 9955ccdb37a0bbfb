package engine

import (
	"testing"
	"time"

	"github.com/jobscout/pipeline-engine/pkg/adapters/collection"
	"github.com/jobscout/pipeline-engine/pkg/adapters/llm"
	"github.com/jobscout/pipeline-engine/pkg/adapters/notification"
	"github.com/jobscout/pipeline-engine/pkg/options"
	"github.com/jobscout/pipeline-engine/pkg/ratelimiter"
)

func TestNewLLMCallerSelectsBackend(t *testing.T) {
	cases := map[string]func(llm.Caller) bool{
		"fake":      func(c llm.Caller) bool { _, ok := c.(*llm.Fake); return ok },
		"anthropic": func(c llm.Caller) bool { _, ok := c.(*llm.AnthropicCaller); return ok },
		"bedrock":   func(c llm.Caller) bool { _, ok := c.(*llm.BedrockCaller); return ok },
		"":          func(c llm.Caller) bool { _, ok := c.(*llm.Fake); return ok },
	}
	for backend, assert := range cases {
		c := newLLMCaller(&options.Options{LLMBackend: backend})
		if !assert(c) {
			t.Fatalf("backend %q: got unexpected caller type %T", backend, c)
		}
	}
}

func TestNewCollectorFallsBackToFakeWithoutBaseURL(t *testing.T) {
	c := newCollector(&options.Options{})
	if _, ok := c.(*collection.Fake); !ok {
		t.Fatalf("expected a fake collector when COLLECTION_BASE_URL is unset, got %T", c)
	}
}

func TestNewNotifierFallsBackToFakeWithoutToken(t *testing.T) {
	n := newNotifier(&options.Options{SlackToken: ""})
	if _, ok := n.(*notification.Fake); !ok {
		t.Fatalf("expected a fake notifier without a slack token, got %T", n)
	}
	n = newNotifier(&options.Options{SlackToken: "xoxb-test"})
	if _, ok := n.(*notification.SlackSender); !ok {
		t.Fatalf("expected a slack sender with a token set, got %T", n)
	}
}

func TestExpanderForSkipsLLMOnFakeBackend(t *testing.T) {
	caller := llm.NewFake()
	if got := expanderFor(&options.Options{LLMBackend: "fake"}, caller); got != nil {
		t.Fatalf("expected no expander on the fake backend, got %v", got)
	}
	if got := expanderFor(&options.Options{LLMBackend: "anthropic"}, caller); got == nil {
		t.Fatal("expected the real caller to double as the title expander")
	}
}

func TestWithBaseDelayOverridesBaseAndSuccessDelay(t *testing.T) {
	p := withBaseDelay(ratelimiter.LinkedInProfile, 2*time.Second)
	if p.BaseDelay != 2*time.Second || p.SuccessDelay != 2*time.Second {
		t.Fatalf("expected overridden delays, got %+v", p)
	}
	if p.CooldownThreshold != ratelimiter.LinkedInProfile.CooldownThreshold {
		t.Fatalf("expected every other field to pass through unchanged, got %+v", p)
	}

	unchanged := withBaseDelay(ratelimiter.IndeedProfile, 0)
	if unchanged != ratelimiter.IndeedProfile {
		t.Fatalf("expected a zero override to leave the profile untouched, got %+v", unchanged)
	}
}

func TestLLMKeysPicksPoolByBackend(t *testing.T) {
	if keys := llmKeys(&options.Options{LLMBackend: "fake"}); len(keys) != 1 || keys[0] != "fake-key" {
		t.Fatalf("expected a single placeholder key for the fake backend, got %v", keys)
	}
	if keys := llmKeys(&options.Options{LLMBackend: "bedrock"}); len(keys) == 0 {
		t.Fatal("expected at least one aws profile for bedrock")
	}
}
