package section

import (
	"context"
	"math/rand"
	"time"
)

const (
	// backoffBase is the first retry delay.
	backoffBase = time.Second

	// backoffCap bounds the retry delay.
	backoffCap = 60 * time.Second

	// backoffJitter is the fractional jitter applied to each delay.
	backoffJitter = 0.25
)

// backoffDelay returns the delay before retry attempt n (0-based):
// base doubling per attempt, capped, with +/-25% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1)

	return time.Duration(float64(d) * jitter)
}

// withRetry runs fn until it succeeds, the context dies, or the attempt
// budget runs out. It returns the last error.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var err error

	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(i)):
		}
	}

	return err
}
