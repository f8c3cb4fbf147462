// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock. Timestamps are UTC and truncated to
// microseconds, the precision Postgres keeps, so values read back compare
// equal to the values written.
type Clock struct{}

// New creates a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
