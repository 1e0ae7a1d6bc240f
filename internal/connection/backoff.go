package connection

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// LinearBackOff yields min(max, base*(n+1)) for the n-th consecutive retry.
type LinearBackOff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
}

var _ backoff.BackOff = (*LinearBackOff)(nil)

func NewLinearBackOff(base, max time.Duration) *LinearBackOff {
	return &LinearBackOff{Base: base, Max: max}
}

// Delay is the pure form of the policy.
func Delay(base, max time.Duration, n int) time.Duration {
	d := base * time.Duration(n+1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func (b *LinearBackOff) NextBackOff() time.Duration {
	d := Delay(b.Base, b.Max, b.attempt)
	b.attempt++
	return d
}

func (b *LinearBackOff) Reset() { b.attempt = 0 }

// Attempt is the number of retries handed out since the last Reset.
func (b *LinearBackOff) Attempt() int { return b.attempt }
