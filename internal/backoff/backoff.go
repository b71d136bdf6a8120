// Package backoff computes jittered exponential delays for reconnect
// loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes the delay curve.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps the delay.
	Max time.Duration
	// Factor multiplies the delay per attempt.
	Factor float64
	// Jitter in 0..1 adds up to that fraction of the base delay, so
	// simultaneous reconnects spread out.
	Jitter float64
}

// Default is tuned for provider websocket reconnects.
func Default() Policy {
	return Policy{
		Initial: time.Second,
		Max:     time.Minute,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the sleep before retry number attempt. Attempts count
// from 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jittered := base + base*p.Jitter*random
	if max := float64(p.Max); jittered > max {
		jittered = max
	}
	return time.Duration(jittered)
}

// Sleep waits for d or until ctx is cancelled, returning ctx.Err() in
// the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
