package network

import (
	"context"
	"math/rand/v2"
	"time"
)

const retry = 2 * time.Second

// Retry paces reconnection attempts.
// The delay is fixed, there is no backoff and no attempts cap.
type Retry struct {
	t      time.Duration
	jitter float64
}

func NewRetry(t time.Duration, jitter float64) Retry {
	if t <= 0 {
		t = retry
	}
	return Retry{t: t, jitter: jitter}
}

// Time returns the pause before the next attempt.
func (r Retry) Time() time.Duration {
	if r.jitter <= 0 {
		return r.t
	}
	return r.t + time.Duration(rand.Float64()*r.jitter*float64(r.t))
}

// Wait sleeps before the next attempt or returns early with ctx error.
func (r Retry) Wait(ctx context.Context) error {
	timer := time.NewTimer(r.Time())
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
