// Package types defines the domain model shared across the automation
// engine: schedules, triggers, delays, audience selectors, the error
// taxonomy, and small shared abstractions.
package types

import "time"

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
