// Package limiter implements admission control over a shared counter store.
//
// Four window strategies share a common Admit contract: fixed window,
// sliding window log, sliding window counter, and token bucket. A Limiter
// facade composes a strategy with per-key configuration resolution,
// concurrency limiting, and a fail-open/fail-closed policy for store
// outages. The LeakyBucket scheduler covers the complementary smoothing
// use case: queueing work at a fixed release rate instead of rejecting it.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ratekeeper/ratekeeper/internal/store"
)

// ErrInvalidConfig marks a programming error in the limit parameters:
// non-positive rate, window, or cost. It is surfaced to the caller
// immediately and never absorbed by the failure policy.
var ErrInvalidConfig = errors.New("invalid limiter configuration")

// Algorithm identifies a window strategy.
type Algorithm string

const (
	AlgorithmFixedWindow    Algorithm = "fixed_window"
	AlgorithmSlidingLog     Algorithm = "sliding_log"
	AlgorithmSlidingCounter Algorithm = "sliding_counter"
	AlgorithmTokenBucket    Algorithm = "token_bucket"
)

// ParseAlgorithm validates an algorithm name from config or flags.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(s); a {
	case AlgorithmFixedWindow, AlgorithmSlidingLog, AlgorithmSlidingCounter, AlgorithmTokenBucket:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm %q, must be one of: fixed_window, sliding_log, sliding_counter, token_bucket", ErrInvalidConfig, s)
	}
}

// Limit is the quota attached to a single check call: Rate units per
// Window. Burst is the token bucket capacity; zero means Burst = Rate.
// The engine never caches a Limit; callers may resolve it per key.
type Limit struct {
	Rate   int64         `json:"rate"`
	Window time.Duration `json:"window"`
	Burst  int64         `json:"burst,omitempty"`
}

// Validate rejects non-positive parameters. Invalid limits are never
// silently clamped.
func (l Limit) Validate() error {
	if l.Rate <= 0 {
		return fmt.Errorf("%w: rate must be positive, got %d", ErrInvalidConfig, l.Rate)
	}
	if l.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, l.Window)
	}
	if l.Burst < 0 {
		return fmt.Errorf("%w: burst must not be negative, got %d", ErrInvalidConfig, l.Burst)
	}
	return nil
}

// burst returns the effective token bucket capacity.
func (l Limit) burst() int64 {
	if l.Burst > 0 {
		return l.Burst
	}
	return l.Rate
}

// Decision is the outcome of one admission check. It is returned by value
// and never aliases limiter state.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	Limit     int64     `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is zero when allowed; when denied it is the estimated
	// wait until a retry with the same cost can succeed.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Strategy is the common contract of the window algorithms.
// Admit is safe under unbounded concurrent invocation on the same key;
// the effect of concurrent admissions is serialized by the Store.
type Strategy interface {
	// Admit decides whether key may consume cost units under limit.
	Admit(ctx context.Context, key string, cost int64, limit Limit) (Decision, error)
	// Algorithm reports the strategy's identity, for logs and metrics.
	Algorithm() Algorithm
}

// NewStrategy builds the named strategy over st. countRejected selects
// whether denied checks still consume quota (see the strategy docs).
func NewStrategy(alg Algorithm, st store.Store, countRejected bool) (Strategy, error) {
	switch alg {
	case AlgorithmFixedWindow:
		return NewFixedWindow(st, countRejected), nil
	case AlgorithmSlidingLog:
		return NewSlidingLog(st, countRejected), nil
	case AlgorithmSlidingCounter:
		return NewSlidingCounter(st, countRejected), nil
	case AlgorithmTokenBucket:
		return NewTokenBucket(st), nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidConfig, alg)
	}
}

// checkArgs validates the per-call admission arguments shared by all
// strategies.
func checkArgs(key string, cost int64, limit Limit) error {
	if key == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidConfig)
	}
	if cost <= 0 {
		return fmt.Errorf("%w: cost must be positive, got %d", ErrInvalidConfig, cost)
	}
	return limit.Validate()
}

func remaining(limit, consumed int64) int64 {
	if consumed >= limit {
		return 0
	}
	return limit - consumed
}
