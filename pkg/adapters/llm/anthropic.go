package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicCaller calls the Anthropic Messages API directly with apiKey
// per call, since spec.md §4.5 rotates keys per-request rather than
// per-client.
type AnthropicCaller struct{}

func NewAnthropicCaller() *AnthropicCaller { return &AnthropicCaller{} }

func (a *AnthropicCaller) Call(ctx context.Context, messages []Message, _ json.RawMessage, apiKey string, opts Options, target any) error {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	maxTokens := int64(opts.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 1024
	}
	model := opts.Model
	if model == "" {
		model = anthropic.ModelClaude3_5HaikuLatest
	}

	params := anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  toAnthropicMessages(messages),
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		if isAnthropicRateLimit(err) {
			return &KeyRateLimitedError{Key: apiKey}
		}
		return err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return decodeAndValidate([]byte(text.String()), target)
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(block))
		default:
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func isAnthropicRateLimit(err error) bool {
	var apiErr *anthropic.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		return apiErr.StatusCode == 429
	}
	return strings.Contains(strings.ToLower(err.Error()), "429")
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	for err != nil {
		if e, ok := err.(*anthropic.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
