// Package system provides the wall clock used to stamp pipeline runs.
package system

import "time"

// Clock implements pipeline.Clock in UTC.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time, truncated to microseconds so it
// round-trips through Postgres timestamptz unchanged.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
