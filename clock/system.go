// Package clock abstracts time so certificate expiry and cache aging can be
// driven forward in tests.
package clock

import "time"

// Clock is the time source used everywhere a timestamp is read or a duration
// compared. All epoch readings are derived from a single instant.
type Clock interface {
	CurrentTimeMicro() uint64
	CurrentTimeMs() uint64
	CurrentTimeSec() uint64
	Now() time.Time
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) CurrentTimeMicro() uint64 {
	return uint64(time.Now().UnixMicro())
}

func (systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (systemClock) CurrentTimeSec() uint64 {
	return uint64(time.Now().Unix())
}

func (systemClock) Now() time.Time {
	return time.Now()
}
