package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/inboxflow/inboxflow/flow/collab"
)

// RetryExecutor wraps collaborator calls with bounded retries and
// exponential backoff.
//
// Only transient error kinds (timeout, rate limit, unavailable) consume the
// retry budget; permanent kinds short-circuit to the caller immediately. On
// exhaustion the original error is returned wrapped with the attempt count,
// and the caller decides whether to escalate to the dead-letter sink
// (side-effecting operations) or fail the instance (reads and generation).
type RetryExecutor struct {
	// MaxRetries is the number of retries after the initial attempt.
	// The default of 3 yields 4 total tries.
	MaxRetries int

	// BaseDelay is the delay before the first retry. Default 2s.
	BaseDelay time.Duration

	// Multiplier scales the delay between consecutive retries. Default 2.
	Multiplier int

	// MaxDelay caps the computed delay. Default 16s.
	MaxDelay time.Duration

	// sleep is injectable for tests; nil means a context-aware time.Sleep.
	sleep func(ctx context.Context, d time.Duration) error
}

// Default retry tuning: delays of 2s, 4s, 8s, capped at 16s thereafter.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 2 * time.Second
	DefaultMultiplier = 2
	DefaultMaxDelay   = 16 * time.Second
)

// NewRetryExecutor returns an executor with the default tuning.
func NewRetryExecutor() *RetryExecutor {
	return &RetryExecutor{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		Multiplier: DefaultMultiplier,
		MaxDelay:   DefaultMaxDelay,
	}
}

// ExhaustedError wraps the final transient error after the retry budget ran
// out. Attempts counts total tries, including the first.
type ExhaustedError struct {
	Op       string
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Cause)
}

// Unwrap exposes the final collaborator error.
func (e *ExhaustedError) Unwrap() error { return e.Cause }

// Do invokes fn, retrying transient failures with exponential backoff.
//
// Returns the number of attempts made (>= 1) and the final error, nil on
// success. The attempt count is a method-scoped return value for the caller
// to aggregate; the executor keeps no mutable counters.
func (r *RetryExecutor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	maxRetries := r.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return attempt + 1, nil
		}
		if !collab.IsTransient(err) {
			// Permanent failure: no retry budget is consumed.
			return attempt + 1, err
		}
		if attempt >= maxRetries {
			return attempt + 1, &ExhaustedError{Op: op, Attempts: attempt + 1, Cause: err}
		}
		if serr := r.wait(ctx, r.delay(attempt)); serr != nil {
			return attempt + 1, serr
		}
	}
}

// delay computes the backoff before retry number attempt (0-indexed):
// base * multiplier^attempt, capped at MaxDelay.
func (r *RetryExecutor) delay(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	mult := r.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= time.Duration(mult)
		if d >= maxDelay {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// wait sleeps for d or returns early when the context is cancelled.
func (r *RetryExecutor) wait(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
