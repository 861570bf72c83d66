package outbox

import "time"

const (
	DefaultBackoffBase = 10 * time.Second
	DefaultBackoffMax  = 10 * time.Minute
)

// Backoff computes exponential retry delays: Base * 2^(failures-1), capped
// at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns how long to wait after the given number of failed attempts.
func (b Backoff) Delay(failures int) time.Duration {
	base, max := b.Base, b.Max
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max <= 0 {
		max = DefaultBackoffMax
	}
	if failures < 1 {
		failures = 1
	}
	exp := failures - 1
	if exp > 30 {
		return max
	}
	d := base << exp
	if d <= 0 || d > max {
		return max
	}
	return d
}
