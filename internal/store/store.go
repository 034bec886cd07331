// Package store provides the shared counter backends for rate limiter state.
//
// A Store owns every piece of mutable per-key state. Window strategies never
// read-modify-write across the store boundary: each compound operation
// (WindowIncr, PairIncr, LogAdd, BucketTake) performs its full state
// transition atomically, using the store's own clock, so concurrent callers
// on any number of nodes serialize on the backend rather than racing.
//
// Two implementations ship with the engine: Memory (striped locks, single
// process) and Redis (one Lua script per compound operation, safe across
// processes).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps backend failures: the store could not be reached or
// timed out. Callers decide fail-open versus fail-closed.
var ErrUnavailable = errors.New("store unavailable")

// Store is the counter backend contract.
// Implementations must be safe for unbounded concurrent use.
type Store interface {
	// Incr atomically adds amount (may be negative) to the counter at key
	// and returns the new total. ttl is applied when the key is created;
	// an existing expiry is left untouched. expiresAt is zero when the key
	// does not expire.
	Incr(ctx context.Context, key string, amount int64, ttl time.Duration) (total int64, expiresAt time.Time, err error)

	// Get returns the counter value at key. ok is false when the key does
	// not exist or has expired.
	Get(ctx context.Context, key string) (value int64, ok bool, err error)

	// CompareAndSwap sets key to new iff its current value equals old.
	// A missing key reads as 0. ttl is applied on a successful swap when
	// positive.
	CompareAndSwap(ctx context.Context, key string, old, new int64, ttl time.Duration) (bool, error)

	// Expire sets the remaining lifetime of key. It is a no-op when the
	// key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// WindowIncr performs a fixed-window admission: it resolves the window
	// containing the store's current time, adds cost to that window's
	// counter, and reports whether the result stayed within limit.
	// When countRejected is false an over-limit attempt leaves the counter
	// unchanged.
	WindowIncr(ctx context.Context, key string, window time.Duration, limit, cost int64, countRejected bool) (WindowResult, error)

	// PairIncr performs a sliding-window-counter admission over the current
	// and previous fixed windows, rolling them forward as the store's clock
	// crosses a boundary.
	PairIncr(ctx context.Context, key string, window time.Duration, limit, cost int64, countRejected bool) (PairResult, error)

	// LogAdd performs a sliding-window-log admission: prune entries older
	// than window, count the remainder, and append cost entries when the
	// request is admitted (or unconditionally when countRejected is true).
	LogAdd(ctx context.Context, key string, window time.Duration, limit, cost int64, countRejected bool) (LogResult, error)

	// BucketTake refills the token bucket at key from the elapsed store
	// time and takes cost tokens when enough are available. The refill is
	// credited whether or not the take succeeds. ttl bounds how long an
	// idle bucket is kept.
	BucketTake(ctx context.Context, key string, capacity, refillPerSec, cost float64, ttl time.Duration) (BucketResult, error)

	// Close releases backend resources.
	Close() error
}

// WindowResult reports the outcome of a fixed-window admission.
type WindowResult struct {
	Allowed     bool
	Total       int64     // units consumed in the window after this call
	WindowStart time.Time // aligned start of the current window
	Now         time.Time // the store's clock at decision time
}

// PairResult reports the outcome of a sliding-window-counter admission.
type PairResult struct {
	Allowed     bool
	Current     int64 // units in the current window after this call
	Previous    int64 // units in the immediately previous window
	WindowStart time.Time
	Now         time.Time
}

// LogResult reports the outcome of a sliding-window-log admission.
type LogResult struct {
	Allowed bool
	Count   int64     // entries inside the window after this call
	Oldest  time.Time // zero when the window is empty
	Now     time.Time
}

// BucketResult reports the outcome of a token-bucket take.
type BucketResult struct {
	Allowed bool
	Tokens  float64 // tokens left after this call
	Now     time.Time
}
