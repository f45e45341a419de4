package resilience

import "time"

// Exponential returns base*factor^(n-1) capped at max. n counts failures from 1.
func Exponential(base time.Duration, factor, n int, max time.Duration) time.Duration {
	if factor < 2 {
		factor = 2
	}
	d := base
	for i := 1; i < n; i++ {
		d *= time.Duration(factor)
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// Backoff tracks consecutive failures of a long-running loop such as a
// reconnect or poll cycle. After Limit failures the counter starts over.
type Backoff struct {
	Base   time.Duration
	Factor int
	Max    time.Duration
	Limit  int

	failures int
}

// Next records a failure and returns how long to wait before the next try
func (b *Backoff) Next() time.Duration {
	b.failures++
	d := Exponential(b.Base, b.Factor, b.failures, b.Max)
	if b.Limit > 0 && b.failures >= b.Limit {
		b.failures = 0
	}
	return d
}

// Failures returns the current consecutive failure count
func (b *Backoff) Failures() int { return b.failures }

// Reset clears the failure count after a success
func (b *Backoff) Reset() { b.failures = 0 }
