// Package store re-exports the counter store so embedders can share one
// backend between ratekeeper and their own code, or plug in their own
// Store implementation.
package store

import (
	"time"

	internalstore "github.com/ratekeeper/ratekeeper/internal/store"
	"github.com/ratekeeper/ratekeeper/pkg/clock"
)

// Store is the pluggable counter backend.
type Store = internalstore.Store

// ErrUnavailable marks a backend failure; the facade's fail mode decides
// what the caller sees.
var ErrUnavailable = internalstore.ErrUnavailable

// Result types returned by the compound atomic operations.
type (
	WindowResult = internalstore.WindowResult
	PairResult   = internalstore.PairResult
	LogResult    = internalstore.LogResult
	BucketResult = internalstore.BucketResult
)

// Memory is the in-process backend.
type Memory = internalstore.Memory

// Redis is the shared backend; its operations run as server-side scripts.
type Redis = internalstore.Redis

// RedisConfig configures the Redis backend.
type RedisConfig = internalstore.RedisConfig

// NewMemory creates an in-process store. A positive cleanupInterval starts
// a janitor goroutine that drops expired entries.
func NewMemory(clk clock.Clock, cleanupInterval time.Duration) *Memory {
	return internalstore.NewMemory(clk, cleanupInterval)
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(cfg *RedisConfig) (*Redis, error) {
	return internalstore.NewRedis(cfg)
}
