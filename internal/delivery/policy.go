package delivery

import (
	"math/rand/v2"
	"time"
)

// Policy controls retries of a single delivery.
type Policy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         bool
	AttemptTimeout time.Duration
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		BaseDelay:      1 * time.Second,
		MaxDelay:       10 * time.Second,
		Jitter:         true,
		AttemptTimeout: 10 * time.Second,
	}
}

// SingleAttempt returns a copy of p allowing exactly one attempt.
func (p Policy) SingleAttempt() Policy {
	p.MaxRetries = 1
	return p
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the un-jittered wait after the given failed attempt (from 1):
// min(BaseDelay * 2^(attempt-1), MaxDelay).
func Delay(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay <= 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// jittered draws uniformly from [0, d].
func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}
