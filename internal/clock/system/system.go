// Package system provides the wall clock used for lock and cache timestamps.
package system

import "time"

// Clock implements product.Clock. Times are UTC so stored expiresAt values
// compare the same on every host.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
