package upstream

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/slidegate/internal/log"
	"github.com/keithlinneman/slidegate/internal/pathutil"
	"github.com/keithlinneman/slidegate/internal/retry"
	"github.com/keithlinneman/slidegate/internal/xerrors"
)

// ErrInvalidKey wraps key validation failures.
var ErrInvalidKey = errors.New("invalid document key")

type FetcherOptions struct {
	Logger log.Logger
	Source Source

	// Attempts and Delay drive the fixed-delay retry loop.
	Attempts int
	Delay    time.Duration
	// MaxDelay caps how long an upstream Retry-After is honored. A longer
	// hint fails the fetch with *retry.DeferredError.
	MaxDelay time.Duration

	// RequestsPerSecond paces outbound attempts across all callers. 0 disables pacing.
	RequestsPerSecond float64
	Burst             int

	// OnAttempt is called after each attempt with its outcome ("ok", "retry", "failed").
	OnAttempt func(source, result string)
	// OnFetch is called once per Fetch with the total duration.
	OnFetch func(source string, d time.Duration, err error)
}

// Fetcher wraps a Source with key validation, pacing and retries.
type Fetcher struct {
	src    Source
	logger log.Logger
	retry  retry.Options
	pace   *rate.Limiter

	onAttempt func(source, result string)
	onFetch   func(source string, d time.Duration, err error)
}

func NewFetcher(opts FetcherOptions) (*Fetcher, error) {
	if opts.Source == nil {
		return nil, xerrors.New("upstream source is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	f := &Fetcher{
		src:       opts.Source,
		logger:    opts.Logger.With("upstream", opts.Source.Name()),
		onAttempt: opts.OnAttempt,
		onFetch:   opts.OnFetch,
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		f.pace = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	f.retry = retry.Options{
		Attempts: opts.Attempts,
		Delay:    opts.Delay,
		MaxDelay: opts.MaxDelay,
		OnRetry: func(attempt int, err error, next time.Duration) {
			f.logger.Debug(context.Background(), "upstream attempt failed, retrying",
				"attempt", attempt,
				"next_delay", next.String(),
				"err", err,
			)
		},
	}
	return f, nil
}

// Source returns the wrapped source.
func (f *Fetcher) Source() Source { return f.src }

// Fetch validates key and fetches it, retrying transient failures.
// The returned error wraps ErrInvalidKey, ErrNotFound, ErrTooLarge,
// *retry.ExhaustedError, *retry.DeferredError or the context error.
func (f *Fetcher) Fetch(ctx context.Context, key string) (doc Document, err error) {
	if verr := pathutil.ValidateKey(key); verr != nil {
		return Document{}, xerrors.Wrap(errors.Join(ErrInvalidKey, verr), "fetch")
	}

	start := time.Now()
	defer func() {
		if f.onFetch != nil {
			f.onFetch(f.src.Name(), time.Since(start), err)
		}
	}()

	doc, err = retry.Do(ctx, f.retry, func(ctx context.Context) (Document, error) {
		if f.pace != nil {
			if err := f.pace.Wait(ctx); err != nil {
				return Document{}, retry.Permanent(xerrors.Wrap(err, "upstream pacing"))
			}
		}
		d, err := f.src.Fetch(ctx, key)
		f.attempted(err)
		return d, err
	})
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (f *Fetcher) attempted(err error) {
	if f.onAttempt == nil {
		return
	}
	switch {
	case err == nil:
		f.onAttempt(f.src.Name(), "ok")
	case retry.IsPermanent(err):
		f.onAttempt(f.src.Name(), "failed")
	default:
		f.onAttempt(f.src.Name(), "retry")
	}
}
