// Package clock abstracts time for the rate limiting engine.
//
// Every strategy, store, and scheduler takes a Clock instead of calling
// time.Now directly, so tests can drive window arithmetic with a Virtual
// clock and never sleep.
package clock

import "time"

// Clock is the engine's time source.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration
	// Until returns the duration until t (negative if t is in the past).
	Until(t time.Time) time.Duration
	// After returns a channel that receives the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real delegates to the standard time package.
type Real struct{}

// NewReal returns a Clock backed by the system clock.
func NewReal() *Real { return &Real{} }

func (*Real) Now() time.Time                         { return time.Now() }
func (*Real) Since(t time.Time) time.Duration        { return time.Since(t) }
func (*Real) Until(t time.Time) time.Duration        { return time.Until(t) }
func (*Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
