// Package limiter is the public face of the engine: window strategies, the
// Limiter facade, the leaky bucket scheduler, and the concurrency limiter.
package limiter

import (
	"time"

	"github.com/rs/zerolog"

	internallimiter "github.com/ratekeeper/ratekeeper/internal/limiter"
	"github.com/ratekeeper/ratekeeper/pkg/clock"
	"github.com/ratekeeper/ratekeeper/pkg/metrics"
	"github.com/ratekeeper/ratekeeper/pkg/store"
)

// ErrInvalidConfig marks a programming error in the limit parameters.
var ErrInvalidConfig = internallimiter.ErrInvalidConfig

// Algorithm identifies a window strategy.
type Algorithm = internallimiter.Algorithm

const (
	AlgorithmFixedWindow    = internallimiter.AlgorithmFixedWindow
	AlgorithmSlidingLog     = internallimiter.AlgorithmSlidingLog
	AlgorithmSlidingCounter = internallimiter.AlgorithmSlidingCounter
	AlgorithmTokenBucket    = internallimiter.AlgorithmTokenBucket
)

// Limit is the quota attached to a single check call.
type Limit = internallimiter.Limit

// Decision is the outcome of one admission check.
type Decision = internallimiter.Decision

// Strategy is the common contract of the window algorithms.
type Strategy = internallimiter.Strategy

// Limiter is the engine facade.
type Limiter = internallimiter.Limiter

// Option configures a Limiter.
type Option = internallimiter.Option

// ResolveFunc maps a key to its Limit.
type ResolveFunc = internallimiter.ResolveFunc

// FailMode decides what a check returns when the store is unreachable.
type FailMode = internallimiter.FailMode

const (
	FailOpen   = internallimiter.FailOpen
	FailClosed = internallimiter.FailClosed
)

// LeakyBucket queues work and releases it at a fixed per-key rate.
type LeakyBucket = internallimiter.LeakyBucket

// ConcurrencyLimiter bounds in-flight operations per key.
type ConcurrencyLimiter = internallimiter.ConcurrencyLimiter

// ParseAlgorithm validates an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	return internallimiter.ParseAlgorithm(s)
}

// ParseFailMode validates a fail mode name.
func ParseFailMode(s string) (FailMode, error) {
	return internallimiter.ParseFailMode(s)
}

// NewStrategy builds the named strategy over st.
func NewStrategy(alg Algorithm, st store.Store, countRejected bool) (Strategy, error) {
	return internallimiter.NewStrategy(alg, st, countRejected)
}

// New creates the facade around strategy.
func New(strategy Strategy, resolve ResolveFunc, opts ...Option) (*Limiter, error) {
	return internallimiter.New(strategy, resolve, opts...)
}

// StaticResolver returns the same Limit for every key.
func StaticResolver(l Limit) ResolveFunc {
	return internallimiter.StaticResolver(l)
}

// WithFailMode selects the store failure policy.
func WithFailMode(m FailMode) Option { return internallimiter.WithFailMode(m) }

// WithCheckTimeout bounds the time a check may spend on store calls.
func WithCheckTimeout(d time.Duration) Option { return internallimiter.WithCheckTimeout(d) }

// WithClock substitutes the time source.
func WithClock(c clock.Clock) Option { return internallimiter.WithClock(c) }

// WithConcurrency adds a per-key in-flight bound.
func WithConcurrency(c *ConcurrencyLimiter) Option { return internallimiter.WithConcurrency(c) }

// WithLogger attaches a logger; store failures are logged through it.
func WithLogger(logger zerolog.Logger) Option { return internallimiter.WithLogger(logger) }

// WithRecorder attaches a metrics recorder.
func WithRecorder(r metrics.Recorder) Option { return internallimiter.WithRecorder(r) }

// NewLeakyBucket starts a scheduler releasing leakRate tasks per second
// per key.
func NewLeakyBucket(leakRate float64, depth int, clk clock.Clock) (*LeakyBucket, error) {
	return internallimiter.NewLeakyBucket(leakRate, depth, clk)
}

// NewConcurrencyLimiter creates a per-key in-flight limiter over st.
func NewConcurrencyLimiter(st store.Store, max int64, ttl time.Duration) (*ConcurrencyLimiter, error) {
	return internallimiter.NewConcurrencyLimiter(st, max, ttl)
}
