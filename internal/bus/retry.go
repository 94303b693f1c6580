package bus

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// backoff implements exponential backoff with jitter, bounded at a ceiling,
// used to pace MQTT reconnect attempts.
type backoff struct {
	MinInterval time.Duration // default 1/8s
	MaxInterval time.Duration // default 30s
	NoJitter    bool
}

// next returns the wait duration before the given attempt (1-indexed).
func (b backoff) next(attempt uint64) time.Duration {
	minInterval := b.MinInterval
	if minInterval == 0 {
		minInterval = time.Second / 8
	}
	maxInterval := b.MaxInterval
	if maxInterval == 0 {
		maxInterval = 30 * time.Second
	}

	factor := math.Pow(2, min(
		float64(attempt-1),
		math.Log2(float64(maxInterval)/float64(minInterval)),
	))
	if !b.NoJitter {
		factor = jitter(factor)
	}
	return time.Duration(factor * float64(minInterval))
}

// jitter scales base by a random factor between 95% and 105%.
func jitter(base float64) float64 {
	// #nosec G404 -- timing jitter, not a security boundary
	j := rand.New(rand.NewSource(time.Now().UnixNano())).Float64()
	return base * (.95 + .1*j)
}

// sleep waits for the given duration or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
