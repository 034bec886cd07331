package limiter

import (
	"context"

	"github.com/ratekeeper/ratekeeper/internal/store"
)

// SlidingLog keeps the timestamp of every admitted unit and counts how many
// fall inside the window ending now. This is the exact sliding window: no
// boundary burst is possible, at the price of O(rate) storage per key.
//
// With countRejected, denied checks append entries too, so a rejected
// burst keeps the window full.
type SlidingLog struct {
	store         store.Store
	countRejected bool
}

// NewSlidingLog creates a sliding window log strategy over st.
func NewSlidingLog(st store.Store, countRejected bool) *SlidingLog {
	return &SlidingLog{store: st, countRejected: countRejected}
}

func (s *SlidingLog) Algorithm() Algorithm { return AlgorithmSlidingLog }

func (s *SlidingLog) Admit(ctx context.Context, key string, cost int64, limit Limit) (Decision, error) {
	if err := checkArgs(key, cost, limit); err != nil {
		return Decision{}, err
	}

	res, err := s.store.LogAdd(ctx, key, limit.Window, limit.Rate, cost, s.countRejected)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Allowed:   res.Allowed,
		Remaining: remaining(limit.Rate, res.Count),
		Limit:     limit.Rate,
		// The window slides with the clock, so the horizon is always one
		// full window from now.
		ResetAt: res.Now.Add(limit.Window),
	}
	if !res.Allowed {
		// A slot frees when the oldest logged entry slides out.
		if !res.Oldest.IsZero() {
			d.RetryAfter = res.Oldest.Add(limit.Window).Sub(res.Now)
			if d.RetryAfter < 0 {
				d.RetryAfter = 0
			}
		} else {
			d.RetryAfter = limit.Window
		}
	}
	return d, nil
}
