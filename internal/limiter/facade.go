package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratekeeper/ratekeeper/internal/clock"
	"github.com/ratekeeper/ratekeeper/internal/metrics"
)

// FailMode decides what a Check returns when the counter store is
// unreachable.
type FailMode int

const (
	// FailOpen admits when the store is down: an unavailable limiter
	// should not take the protected service with it. This is the default.
	FailOpen FailMode = iota
	// FailClosed denies when the store is down.
	FailClosed
)

func (m FailMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

// ParseFailMode reads a FailMode from config or flags.
func ParseFailMode(s string) (FailMode, error) {
	switch s {
	case "open", "":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("%w: unknown fail mode %q, must be open or closed", ErrInvalidConfig, s)
	}
}

// ResolveFunc maps a key to its Limit. It is injected by the caller (for
// example a subscription-tier lookup) and must be a pure function; the
// engine never caches its results.
type ResolveFunc func(key string) Limit

// StaticResolver returns the same Limit for every key.
func StaticResolver(l Limit) ResolveFunc {
	return func(string) Limit { return l }
}

// retryAfter hint for checks rejected by the in-flight limit, which has no
// window to derive a wait from.
const concurrencyRetryAfter = time.Second

// Limiter is the engine facade. It composes a window strategy with per-key
// limit resolution, optional concurrency limiting, and the store failure
// policy. The facade itself holds no per-key state and is safe for
// unbounded concurrent use.
type Limiter struct {
	strategy Strategy
	resolve  ResolveFunc
	failMode FailMode
	timeout  time.Duration
	clock    clock.Clock
	logger   zerolog.Logger
	recorder metrics.Recorder
	slots    *ConcurrencyLimiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFailMode selects the store failure policy.
func WithFailMode(m FailMode) Option {
	return func(l *Limiter) { l.failMode = m }
}

// WithCheckTimeout bounds the total time a Check may spend on store calls.
func WithCheckTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.timeout = d }
}

// WithClock substitutes the time source, for tests.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) { l.clock = c }
}

// WithLogger attaches a logger; store failures are logged through it.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(l *Limiter) { l.recorder = r }
}

// WithConcurrency adds a per-key in-flight bound checked before the window
// strategy. Callers must Release after finishing admitted work.
func WithConcurrency(c *ConcurrencyLimiter) Option {
	return func(l *Limiter) { l.slots = c }
}

// New creates the facade around strategy, resolving per-key limits with
// resolve.
func New(strategy Strategy, resolve ResolveFunc, opts ...Option) (*Limiter, error) {
	if strategy == nil {
		return nil, fmt.Errorf("%w: strategy is required", ErrInvalidConfig)
	}
	if resolve == nil {
		return nil, fmt.Errorf("%w: resolver is required", ErrInvalidConfig)
	}
	l := &Limiter{
		strategy: strategy,
		resolve:  resolve,
		failMode: FailOpen,
		clock:    clock.NewReal(),
		logger:   zerolog.Nop(),
		recorder: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Check admits or rejects cost units for key. Invalid parameters are
// returned as ErrInvalidConfig; store failures are absorbed by the
// configured FailMode and logged, so the returned error is nil for them.
func (l *Limiter) Check(ctx context.Context, key string, cost int64) (Decision, error) {
	start := l.clock.Now()
	limit := l.resolve(key)
	if err := checkArgs(key, cost, limit); err != nil {
		return Decision{}, err
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if l.slots != nil {
		ok, err := l.slots.Acquire(ctx, key)
		if err != nil {
			return l.onStoreError(key, cost, limit, err), nil
		}
		if !ok {
			l.recorder.IncConcurrencyReject()
			return Decision{
				Allowed:    false,
				Remaining:  0,
				Limit:      limit.Rate,
				ResetAt:    start.Add(concurrencyRetryAfter),
				RetryAfter: concurrencyRetryAfter,
			}, nil
		}
	}

	d, err := l.strategy.Admit(ctx, key, cost, limit)
	if err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return Decision{}, err
		}
		if l.slots != nil {
			_ = l.slots.Release(ctx, key)
		}
		return l.onStoreError(key, cost, limit, err), nil
	}

	if !d.Allowed && l.slots != nil {
		// A denied request is not in flight; give its slot back.
		_ = l.slots.Release(ctx, key)
	}

	l.recorder.ObserveCheck(string(l.strategy.Algorithm()), d.Allowed, l.clock.Since(start))
	return d, nil
}

// Release frees the concurrency slot taken by an admitted Check. It is a
// no-op when no concurrency limit is configured.
func (l *Limiter) Release(ctx context.Context, key string) error {
	if l.slots == nil {
		return nil
	}
	return l.slots.Release(ctx, key)
}

// onStoreError resolves a backend failure per the FailMode. Always logged,
// never returned to the caller as an error.
func (l *Limiter) onStoreError(key string, cost int64, limit Limit, err error) Decision {
	l.recorder.IncStoreError()
	l.logger.Warn().
		Err(err).
		Str("key", key).
		Str("fail_mode", l.failMode.String()).
		Msg("counter store unavailable")

	now := l.clock.Now()
	if l.failMode == FailClosed {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			Limit:      limit.Rate,
			ResetAt:    now.Add(limit.Window),
			RetryAfter: limit.Window,
		}
	}
	rem := limit.Rate - cost
	if rem < 0 {
		rem = 0
	}
	return Decision{
		Allowed:   true,
		Remaining: rem,
		Limit:     limit.Rate,
		ResetAt:   now.Add(limit.Window),
	}
}
