package otp

import "time"

// Clocker abstracts time so the manager and sweeper never read the wall clock
// directly. Tests substitute a fake to drive expiry deterministically.
type Clocker interface {
	Now() time.Time
}

// SystemClock is the production Clocker backed by time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
