// Package llm defines the narrow LLM adapter of spec.md §6
// ("call(messages, responseSchema, apiKey, opts) → parsed<T>") with two
// concrete backends, both named in jordigilh-kubernaut's go.mod:
// github.com/anthropics/anthropic-sdk-go and
// github.com/aws/aws-sdk-go-v2/service/bedrockruntime, selected by
// pkg/options.Options.LLMBackend. Scoring logic (prompt construction,
// thresholding) lives in pkg/pipeline; this package only calls the model
// and validates the shape of what comes back.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Message is one turn of a chat-style LLM call.
type Message struct {
	Role    string
	Content string
}

// Options configures a single call.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// KeyRateLimitedError is returned when the backend reports HTTP 429 for
// the given key, carrying the offending key so the caller can route it
// to keypool.MarkKey429 (spec.md §6).
type KeyRateLimitedError struct {
	Key string
}

func (e *KeyRateLimitedError) Error() string {
	return "llm adapter: api key rate limited (429)"
}

// ErrSchemaValidation identifies a response that came back from the model
// but failed to satisfy the declared JSON schema, distinct from a
// transient network/timeout error from the call itself (spec.md §7: the
// two are separate error kinds, ValidationFailed vs. Transient).
var ErrSchemaValidation = errors.New("llm adapter: response failed schema validation")

// Caller is the narrow adapter interface every matching worker depends on.
type Caller interface {
	// Call invokes the model and unmarshals its response into target,
	// which must be a pointer. The Anthropic, Bedrock and Fake
	// implementations do not check the response against responseSchema:
	// a response is accepted once it unmarshals into target, and a
	// response that does not unmarshal yields ErrSchemaValidation.
	Call(ctx context.Context, messages []Message, responseSchema json.RawMessage, apiKey string, opts Options, target any) error
}

// decodeAndValidate performs minimal structural validation: the raw
// response must unmarshal cleanly into target. No JSON-schema validation
// (required fields, types, enums) is done here or in either backend;
// this helper exists so both backends share one error shape.
func decodeAndValidate(raw []byte, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return nil
}

// Fake is an in-memory Caller for tests.
type Fake struct {
	Responses map[string]json.RawMessage // keyed by apiKey
	Err       map[string]error
	Calls     int
}

func NewFake() *Fake {
	return &Fake{Responses: map[string]json.RawMessage{}, Err: map[string]error{}}
}

func (f *Fake) Call(_ context.Context, _ []Message, _ json.RawMessage, apiKey string, _ Options, target any) error {
	f.Calls++
	if err, ok := f.Err[apiKey]; ok && err != nil {
		return err
	}
	raw, ok := f.Responses[apiKey]
	if !ok {
		raw = f.Responses["*"]
	}
	return decodeAndValidate(raw, target)
}
