// Package clock re-exports the time abstraction for library users, so
// embedders can drive limiters with a virtual clock in their own tests.
package clock

import (
	"time"

	internalclock "github.com/ratekeeper/ratekeeper/internal/clock"
)

// Clock abstracts time so strategies work with both real and virtual time.
type Clock = internalclock.Clock

// Real delegates to the standard time package.
type Real = internalclock.Real

// Virtual is a controllable clock for tests.
type Virtual = internalclock.Virtual

// NewReal creates a wall-clock implementation.
func NewReal() *Real {
	return internalclock.NewReal()
}

// NewVirtual creates a virtual clock starting at the given time.
func NewVirtual(start time.Time) *Virtual {
	return internalclock.NewVirtual(start)
}
