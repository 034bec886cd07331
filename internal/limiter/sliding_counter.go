package limiter

import (
	"context"
	"math"
	"time"

	"github.com/ratekeeper/ratekeeper/internal/store"
)

// SlidingCounter approximates SlidingLog in O(1) space per key. It keeps
// two fixed-window counters (current and previous) and weighs the previous
// one by the fraction of it still inside the sliding window:
//
//	estimated = current + previous * (1 - elapsed/window)
//
// Error bound: the estimate assumes the previous window's admissions were
// evenly spread, so it can be off by at most the previous count times the
// placement skew inside that window. Right at a boundary the estimate
// equals current + previous, i.e. it over-counts rather than under-counts;
// as the window granularity shrinks the estimate converges to the exact
// log count.
type SlidingCounter struct {
	store         store.Store
	countRejected bool
}

// NewSlidingCounter creates a sliding window counter strategy over st.
func NewSlidingCounter(st store.Store, countRejected bool) *SlidingCounter {
	return &SlidingCounter{store: st, countRejected: countRejected}
}

func (s *SlidingCounter) Algorithm() Algorithm { return AlgorithmSlidingCounter }

func (s *SlidingCounter) Admit(ctx context.Context, key string, cost int64, limit Limit) (Decision, error) {
	if err := checkArgs(key, cost, limit); err != nil {
		return Decision{}, err
	}

	res, err := s.store.PairIncr(ctx, key, limit.Window, limit.Rate, cost, s.countRejected)
	if err != nil {
		return Decision{}, err
	}

	frac := float64(res.Now.Sub(res.WindowStart)) / float64(limit.Window)
	estimated := float64(res.Current) + float64(res.Previous)*(1-frac)

	d := Decision{
		Allowed:   res.Allowed,
		Remaining: remaining(limit.Rate, int64(math.Ceil(estimated))),
		Limit:     limit.Rate,
		ResetAt:   res.Now.Add(limit.Window),
	}
	if !res.Allowed {
		d.RetryAfter = s.retryAfter(res, cost, limit, frac)
	}
	return d, nil
}

// retryAfter estimates when a retry with the same cost can succeed. The
// weighted previous count decays at previous/window units per unit time,
// so the deficit divided by that slope gives the wait inside the current
// window; if the current count alone exceeds the budget, relief only comes
// after the next boundary, when current becomes the decaying previous.
func (s *SlidingCounter) retryAfter(res store.PairResult, cost int64, limit Limit, frac float64) time.Duration {
	window := float64(limit.Window)
	deficit := float64(res.Current) + float64(res.Previous)*(1-frac) + float64(cost) - float64(limit.Rate)
	if deficit <= 0 {
		return 0
	}

	if res.Previous > 0 {
		wait := time.Duration(deficit / float64(res.Previous) * window)
		if frac+float64(wait)/window <= 1 {
			return wait
		}
	}

	// Past the boundary: current rolls into previous and decays from
	// there. Waiting out the full current window always suffices.
	toBoundary := time.Duration((1 - frac) * window)
	overrun := float64(res.Current) + float64(cost) - float64(limit.Rate)
	if overrun <= 0 || res.Current == 0 {
		return toBoundary
	}
	return toBoundary + time.Duration(overrun/float64(res.Current)*window)
}
