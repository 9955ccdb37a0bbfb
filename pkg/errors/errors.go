// Package errors defines the error kinds of the pipeline engine (see
// spec.md §7) as sentinel values that carry key/value context the way
// github.com/awslabs/operatorpkg/serrors does in the teacher's
// pkg/batcher, without pulling in the full operatorpkg dependency for a
// handful of call sites.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is against these, never string matching.
var (
	// ErrRateLimited means a collection adapter returned HTTP 429 (or a
	// message matching the 429 pattern set). The queue retries with backoff.
	ErrRateLimited = errors.New("rate limited")
	// ErrKeyRateLimited means an LLM adapter returned HTTP 429 for a
	// specific API key. The queue retries with a different key.
	ErrKeyRateLimited = errors.New("llm api key rate limited")
	// ErrValidationFailed means an LLM response failed schema validation.
	ErrValidationFailed = errors.New("response failed schema validation")
	// ErrTransient covers network/DB blips the queue should retry.
	ErrTransient = errors.New("transient error")
	// ErrCancelled means cancellation was observed at a stage boundary.
	ErrCancelled = errors.New("run cancelled")
	// ErrTimeout means a client-side deadline elapsed before the job
	// finished; the job may still complete in the background.
	ErrTimeout = errors.New("client timeout")
	// ErrConfiguration means required configuration or credentials are
	// missing or invalid; the caller must refuse to start.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrPartial means some sub-queries in a stage failed but the stage
	// is not fatal as a whole.
	ErrPartial = errors.New("partial stage failure")
	// ErrConflict means a run is already in progress for a subscription.
	ErrConflict = errors.New("run already in progress")
	// ErrLockNotHeld means release/extend was attempted on a lock this
	// process does not hold.
	ErrLockNotHeld = errors.New("lock not held by this process")
)

// withContext decorates an error with key/value pairs the way serrors.Wrap
// does, rendering them as "key=value" suffixes.
type withContext struct {
	err  error
	kvs  []any
	kvsS string
}

func (w *withContext) Error() string {
	if w.kvsS == "" {
		return w.err.Error()
	}
	return fmt.Sprintf("%s (%s)", w.err.Error(), w.kvsS)
}

func (w *withContext) Unwrap() error { return w.err }

// Wrap attaches diagnostic key/value pairs to a sentinel error. kvs must be
// an even-length list of alternating keys and values.
func Wrap(err error, kvs ...any) error {
	if err == nil {
		return nil
	}
	s := ""
	for i := 0; i+1 < len(kvs); i += 2 {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%v=%v", kvs[i], kvs[i+1])
	}
	return &withContext{err: err, kvs: kvs, kvsS: s}
}

// Is reports whether err wraps target, delegating to the standard library.
func Is(err, target error) bool { return errors.Is(err, target) }

// As delegates to the standard library for completeness of the package API.
func As(err error, target any) bool { return errors.As(err, target) }
