package domain

import "time"

// Lease is a time-bounded claim on a key held through an external lease service.
// Fence increases every time the key changes hands.
type Lease struct {
	Key       string
	Owner     string
	Token     string
	Fence     int64
	ExpiresAt time.Time
}

// ExpiredAt reports whether the lease is no longer valid at now.
func (l Lease) ExpiredAt(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
