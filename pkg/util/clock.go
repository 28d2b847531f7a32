package util

import "time"

// Clock abstracts time so voucher-expiry checks are testable.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
