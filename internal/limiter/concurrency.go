package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/ratekeeper/ratekeeper/internal/store"
)

const inFlightKeyPrefix = "inflight:"

// ConcurrencyLimiter bounds the number of in-flight operations per key,
// independent of any time window: "at most N at once" rather than
// "at most N per second". Slots live in the Store, so with a shared
// backend the bound holds across processes.
//
// Releasing is a caller contract: a caller that abandons work after a
// successful Acquire must call Release, or the slot leaks until the ttl
// drains it.
type ConcurrencyLimiter struct {
	store store.Store
	max   int64
	ttl   time.Duration
}

// NewConcurrencyLimiter creates a per-key in-flight limiter. ttl bounds
// how long a leaked slot can linger.
func NewConcurrencyLimiter(st store.Store, max int64, ttl time.Duration) (*ConcurrencyLimiter, error) {
	if max <= 0 {
		return nil, fmt.Errorf("%w: max in-flight must be positive, got %d", ErrInvalidConfig, max)
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ConcurrencyLimiter{store: st, max: max, ttl: ttl}, nil
}

// Acquire takes a slot for key. It returns false with a nil error when
// every slot is taken.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context, key string) (bool, error) {
	skey := inFlightKeyPrefix + key
	total, _, err := c.store.Incr(ctx, skey, 1, c.ttl)
	if err != nil {
		return false, err
	}
	if total > c.max {
		// Undo the optimistic take. Both increments are atomic, so the
		// transient overshoot is never observed as an admission.
		_, _, _ = c.store.Incr(ctx, skey, -1, c.ttl)
		return false, nil
	}
	// Refresh the expiry so an active key's leaked slots still drain
	// one ttl after the last acquisition.
	_ = c.store.Expire(ctx, skey, c.ttl)
	return true, nil
}

// Release frees a slot for key.
func (c *ConcurrencyLimiter) Release(ctx context.Context, key string) error {
	skey := inFlightKeyPrefix + key
	total, _, err := c.store.Incr(ctx, skey, -1, c.ttl)
	if err != nil {
		return err
	}
	if total < 0 {
		// A double release (or a release racing ttl expiry) drove the
		// counter negative; repair it so future acquires are not inflated.
		_, _ = c.store.CompareAndSwap(ctx, skey, total, 0, c.ttl)
	}
	return nil
}

// InFlight reports the current slot usage for key.
func (c *ConcurrencyLimiter) InFlight(ctx context.Context, key string) (int64, error) {
	val, ok, err := c.store.Get(ctx, inFlightKeyPrefix+key)
	if err != nil || !ok {
		return 0, err
	}
	if val < 0 {
		return 0, nil
	}
	return val, nil
}
