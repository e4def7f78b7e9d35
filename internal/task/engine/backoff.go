package engine

import (
	"errors"
	"math/rand/v2"
	"time"
)

// Policy is the retry policy applied by the durable queue between attempts.
type Policy struct {
	MaxAttempts int           // total attempts including the first; 0 means 3
	Base        time.Duration // delay before the second attempt; 0 means 1m
	Max         time.Duration // 0 means 30m
	Jitter      float64       // fraction, 0 means 0.2
	// RateLimitFloor is the minimum delay after a throttling error. 0 means 2*Base.
	RateLimitFloor time.Duration
}

func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = time.Minute
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Minute
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	if p.RateLimitFloor <= 0 {
		p.RateLimitFloor = 2 * p.Base
	}
	return p
}

// Exhausted reports whether no attempt remains after attempt (1-based).
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.WithDefaults().MaxAttempts
}

// Delay returns the wait before attempt+1. Exponential from Base, honoring
// a RetryAfter hint and the rate-limit floor, capped at Max, then jittered.
func (p Policy) Delay(attempt int, err error) time.Duration {
	p = p.WithDefaults()
	d := p.Base
	for i := 1; i < attempt && d < p.Max; i++ {
		d *= 2
	}

	var ra RetryAfterError
	if errors.As(err, &ra) && ra.RetryAfter() > d {
		d = ra.RetryAfter()
	}
	if IsRateLimited(err) && d < p.RateLimitFloor {
		d = p.RateLimitFloor
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		r := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), p.Max)
}
