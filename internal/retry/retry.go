// Package retry runs an operation a bounded number of times with a fixed
// delay between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
	DefaultMaxDelay = 10 * time.Second
)

type Options struct {
	// Attempts is the total number of calls, including the first. Default 3.
	Attempts int
	// Delay is the fixed wait between attempts. Default 1s.
	Delay time.Duration
	// MaxDelay is the longest After hint Do will wait for. A longer hint, or
	// one that outlasts ctx's deadline, ends Do with a *DeferredError instead.
	// Default 10s, never below Delay.
	MaxDelay time.Duration
	// OnRetry is called before each wait with the 1-based attempt that failed.
	OnRetry func(attempt int, err error, next time.Duration)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all retries failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// DeferredError is returned when an attempt asked to be retried later than
// Do is allowed to wait.
type DeferredError struct {
	Attempts int
	After    time.Duration
	Last     error
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("retry deferred by %s after %d attempts: %v", e.After, e.Attempts, e.Last)
}

func (e *DeferredError) Unwrap() error { return e.Last }

// Permanent marks err as not worth retrying. Do returns the unwrapped err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// After marks err as retryable no sooner than d, overriding the fixed delay
// for the next wait. Sub-second hints are rounded up to one second.
func After(err error, d time.Duration) error {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &afterError{err: err, hint: backoff.RetryAfter(secs)}
}

type afterError struct {
	err  error
	hint error
}

func (e *afterError) Error() string { return e.err.Error() }

// Unwrap exposes both the cause and the backoff hint so errors.As finds either.
func (e *afterError) Unwrap() []error { return []error{e.err, e.hint} }

// Do calls op until it succeeds, returns a permanent error, exhausts
// Attempts, asks to wait longer than MaxDelay, or ctx is done.
func Do[T any](ctx context.Context, opts Options, op func(context.Context) (T, error)) (T, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	opts.MaxDelay = max(opts.MaxDelay, opts.Delay)

	attempt := 0
	operation := func() (T, error) {
		attempt++
		res, err := op(ctx)
		if err == nil || attempt >= opts.Attempts || IsPermanent(err) {
			return res, err
		}
		if d, ok := hint(err); ok && d > waitBudget(ctx, opts.MaxDelay) {
			return res, backoff.Permanent(&DeferredError{Attempts: attempt, After: d, Last: cause(err)})
		}
		return res, err
	}

	ropts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(opts.Delay)),
		backoff.WithMaxTries(uint(opts.Attempts)),
		// bounded by Attempts, not wall time
		backoff.WithMaxElapsedTime(0),
	}
	if opts.OnRetry != nil {
		ropts = append(ropts, backoff.WithNotify(func(err error, next time.Duration) {
			opts.OnRetry(attempt, cause(err), next)
		}))
	}

	res, err := backoff.Retry(ctx, operation, ropts...)
	if err == nil {
		return res, nil
	}

	var zero T
	if ctxErr := context.Cause(ctx); ctxErr != nil && errors.Is(err, ctxErr) {
		return zero, err
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return zero, perm.Unwrap()
	}
	if attempt >= opts.Attempts {
		return zero, &ExhaustedError{Attempts: attempt, Last: cause(err)}
	}
	return zero, cause(err)
}

func hint(err error) (time.Duration, bool) {
	var ra *backoff.RetryAfterError
	if errors.As(err, &ra) {
		return ra.Duration, true
	}
	return 0, false
}

// waitBudget is the longest wait allowed: limit, or less when ctx has a
// nearer deadline.
func waitBudget(ctx context.Context, limit time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	return limit
}

// cause strips the retry-after wrapper so callers see the original error.
func cause(err error) error {
	var ae *afterError
	if errors.As(err, &ae) {
		return ae.err
	}
	return err
}
