package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"math"
	"sync"
	"time"

	"github.com/keithlinneman/slidegate/internal/xerrors"
)

// ErrInvalidConfig is returned by New when limit, window or shard count is not positive.
var ErrInvalidConfig = errors.New("invalid limiter config")

const defaultShards = 32

// Decision is the outcome of a single admission check. Denial is a normal
// outcome, not an error.
type Decision struct {
	Allowed bool
	// Limit is the configured admissions per window.
	Limit int
	// Remaining is how many more admissions the identity has in the current window.
	Remaining int
	// RetryAfter is the exact wait until the oldest admission leaves the window.
	// Zero when allowed.
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int64 {
	if d.Allowed || d.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(d.RetryAfter.Seconds()))
}

type shard[K comparable] struct {
	mu   sync.Mutex
	logs map[K]*admissionLog
}

// Limiter admits at most limit requests per identity within any window-long span.
// Identities hash to independent shards, so unrelated identities rarely contend.
type Limiter[K comparable] struct {
	limit  int
	window time.Duration
	now    func() time.Time

	seed   maphash.Seed
	shards []shard[K]

	onSweepPanic func(recovered any)
}

type Option func(*options)

type options struct {
	shards       int
	clock        func() time.Time
	onSweepPanic func(recovered any)
}

// WithShards sets how many independently locked partitions the identity map is split into.
func WithShards(n int) Option {
	return func(o *options) {
		o.shards = n
	}
}

// WithClock replaces time.Now for Allow and the sweeper.
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		o.clock = fn
	}
}

// WithOnSweepPanic sets a callback for a sweep pass that panicked. The sweeper
// keeps running and foreground decisions are unaffected.
func WithOnSweepPanic(fn func(recovered any)) Option {
	return func(o *options) {
		o.onSweepPanic = fn
	}
}

// New validates the configuration and returns an empty limiter.
func New[K comparable](limit int, window time.Duration, opts ...Option) (*Limiter[K], error) {
	o := options{
		shards: defaultShards,
		clock:  time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}

	var errs []error
	if limit <= 0 {
		errs = append(errs, fmt.Errorf("limit must be positive (got %d)", limit))
	}
	if window <= 0 {
		errs = append(errs, fmt.Errorf("window must be positive (got %s)", window))
	}
	if o.shards <= 0 {
		errs = append(errs, fmt.Errorf("shards must be positive (got %d)", o.shards))
	}
	if len(errs) > 0 {
		return nil, xerrors.Wrap(errors.Join(append([]error{ErrInvalidConfig}, errs...)...), "ratelimit")
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	l := &Limiter[K]{
		limit:  limit,
		window: window,
		now:    o.clock,
		seed:   maphash.MakeSeed(),
		shards: make([]shard[K], o.shards),

		onSweepPanic: o.onSweepPanic,
	}
	for i := range l.shards {
		l.shards[i].logs = make(map[K]*admissionLog)
	}
	return l, nil
}

func (l *Limiter[K]) Limit() int            { return l.limit }
func (l *Limiter[K]) Window() time.Duration { return l.window }

func (l *Limiter[K]) shardFor(id K) *shard[K] {
	h := maphash.Comparable(l.seed, id)
	return &l.shards[h%uint64(len(l.shards))]
}

// Allow is CheckAndRecord at the limiter's clock.
func (l *Limiter[K]) Allow(id K) Decision {
	return l.CheckAndRecord(id, l.now())
}

// CheckAndRecord purges the identity's expired admissions, decides, and on
// admit appends now to its log. The whole sequence runs under the identity's
// shard lock, so concurrent calls for one identity never over-admit.
//
// now must not go backwards for a given identity; that is not re-validated.
func (l *Limiter[K]) CheckAndRecord(id K, now time.Time) Decision {
	s := l.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		log = newAdmissionLog(l.limit)
		s.logs[id] = log
	}
	log.purge(now, l.window)

	if log.len() >= l.limit {
		return l.denied(log, now)
	}
	log.push(now)
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - log.len(),
	}
}

// Peek is Status at the limiter's clock.
func (l *Limiter[K]) Peek(id K) Decision {
	return l.Status(id, l.now())
}

// Status reports the decision CheckAndRecord would make at now without
// recording anything. Unseen identities are not added.
func (l *Limiter[K]) Status(id K, now time.Time) Decision {
	s := l.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	log, ok := s.logs[id]
	if !ok {
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit}
	}
	log.purge(now, l.window)
	if log.len() >= l.limit {
		return l.denied(log, now)
	}
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - log.len(),
	}
}

// the log never exceeds limit entries, so its oldest entry is the one whose
// expiry frees the next slot
func (l *Limiter[K]) denied(log *admissionLog, now time.Time) Decision {
	return Decision{
		Allowed:    false,
		Limit:      l.limit,
		Remaining:  0,
		RetryAfter: l.window - now.Sub(log.front()),
	}
}

// Len returns the number of identities currently holding a log.
func (l *Limiter[K]) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.logs)
		s.mu.Unlock()
	}
	return n
}

// Sweep purges every log as of now and drops identities whose log is empty.
// It takes the same shard locks as CheckAndRecord, one shard at a time.
// Returns how many identities were removed.
func (l *Limiter[K]) Sweep(now time.Time) int {
	removed := 0
	for i := range l.shards {
		removed += l.sweepShard(&l.shards[i], now)
	}
	return removed
}

func (l *Limiter[K]) sweepShard(s *shard[K], now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, log := range s.logs {
		log.purge(now, l.window)
		if log.len() == 0 {
			delete(s.logs, id)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done. onSwept, when not
// nil, receives the count removed by each pass.
func (l *Limiter[K]) RunSweeper(ctx context.Context, interval time.Duration, onSwept func(removed int)) {
	if interval <= 0 {
		interval = l.window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := l.safeSweep()
			if onSwept != nil {
				onSwept(n)
			}
		}
	}
}

// safeSweep keeps a panicking pass from killing the sweeper. Shard locks are
// released by the deferred unlock in sweepShard.
func (l *Limiter[K]) safeSweep() (n int) {
	defer func() {
		if r := recover(); r != nil {
			if l.onSweepPanic != nil {
				l.onSweepPanic(r)
			}
			n = 0
		}
	}()
	return l.Sweep(l.now())
}
