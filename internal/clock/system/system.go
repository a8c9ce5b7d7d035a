// Package system provides the wall clock used for run timestamps and task durations.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the elapsed time since start, never negative.
func (c Clock) Since(start time.Time) time.Duration {
	if d := c.Now().Sub(start); d > 0 {
		return d
	}
	return 0
}
