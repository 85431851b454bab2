// Package clock is the time source behind lease expiry and retry backoff.
package clock

import "time"

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// System reads the wall clock in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

func (System) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Until is the time left on c before t; negative once t has passed.
func Until(c Clock, t time.Time) time.Duration {
	return t.Sub(c.Now())
}
