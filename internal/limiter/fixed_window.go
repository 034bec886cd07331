package limiter

import (
	"context"

	"github.com/ratekeeper/ratekeeper/internal/store"
)

// FixedWindow counts admissions in clock-aligned windows: the counter for
// each key resets at every Window boundary.
//
// Known weakness, accepted by design: a caller can burst up to twice the
// rate by spending the full budget at the end of one window and again at
// the start of the next. Callers needing a hard bound over any interval
// should use SlidingLog or SlidingCounter.
//
// With countRejected (the default in the facade), denied checks still
// consume quota so a retry storm cannot keep probing a full window.
type FixedWindow struct {
	store         store.Store
	countRejected bool
}

// NewFixedWindow creates a fixed window strategy over st.
func NewFixedWindow(st store.Store, countRejected bool) *FixedWindow {
	return &FixedWindow{store: st, countRejected: countRejected}
}

func (s *FixedWindow) Algorithm() Algorithm { return AlgorithmFixedWindow }

func (s *FixedWindow) Admit(ctx context.Context, key string, cost int64, limit Limit) (Decision, error) {
	if err := checkArgs(key, cost, limit); err != nil {
		return Decision{}, err
	}

	res, err := s.store.WindowIncr(ctx, key, limit.Window, limit.Rate, cost, s.countRejected)
	if err != nil {
		return Decision{}, err
	}

	resetAt := res.WindowStart.Add(limit.Window)
	d := Decision{
		Allowed:   res.Allowed,
		Remaining: remaining(limit.Rate, res.Total),
		Limit:     limit.Rate,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		d.RetryAfter = resetAt.Sub(res.Now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}
