package relayer

import (
	"math"
	"time"
)

// Clock lets tests drive time deterministically instead of sleeping.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }

// Backoff computes the bounded, increasing delay between retries of one
// message.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the wait before attempt retryCount+1.
func (b Backoff) Delay(retryCount int) time.Duration {
	d := time.Duration(float64(b.Initial) * math.Pow(b.Multiplier, float64(retryCount)))
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}
