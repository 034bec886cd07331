package limiter

import (
	"context"
	"math"
	"time"

	"github.com/ratekeeper/ratekeeper/internal/store"
)

// TokenBucket accrues capacity continuously at Rate/Window tokens per
// second up to the burst capacity, and spends cost tokens per admission.
// It is the only strategy that tolerates bursts up to capacity while
// enforcing the long-run average rate.
//
// Rejections never consume tokens, and the refill keeps accruing from the
// true elapsed time across rejected checks, so there is no countRejected
// knob here.
type TokenBucket struct {
	store store.Store
}

// NewTokenBucket creates a token bucket strategy over st.
func NewTokenBucket(st store.Store) *TokenBucket {
	return &TokenBucket{store: st}
}

func (s *TokenBucket) Algorithm() Algorithm { return AlgorithmTokenBucket }

func (s *TokenBucket) Admit(ctx context.Context, key string, cost int64, limit Limit) (Decision, error) {
	if err := checkArgs(key, cost, limit); err != nil {
		return Decision{}, err
	}

	capacity := float64(limit.burst())
	refillPerSec := float64(limit.Rate) / limit.Window.Seconds()

	// An idle bucket is fully refilled after capacity/refill seconds;
	// keep the state around twice that long before letting it lapse.
	ttl := 2 * time.Duration(capacity/refillPerSec*float64(time.Second))
	if ttl < 2*limit.Window {
		ttl = 2 * limit.Window
	}

	res, err := s.store.BucketTake(ctx, key, capacity, refillPerSec, float64(cost), ttl)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   res.Allowed,
		Remaining: int64(math.Floor(res.Tokens)),
		Limit:     limit.burst(),
		ResetAt:   res.Now.Add(time.Duration((capacity - res.Tokens) / refillPerSec * float64(time.Second))),
	}
	if !res.Allowed {
		d.RetryAfter = time.Duration((float64(cost) - res.Tokens) / refillPerSec * float64(time.Second))
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}
