package llm

import (
	"context"
	"math"
	"time"
)

// Backoff computes the delay before a retry.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base*2^attempt for rate limits and Base for other retryable kinds,
// capped at Max when Max is set. attempt is zero-based. A delay too large for
// time.Duration saturates instead of wrapping.
func (b Backoff) Delay(attempt int, kind Kind) time.Duration {
	d := b.Base
	if kind == KindRateLimited {
		f := float64(b.Base) * math.Pow(2, float64(attempt))
		if f >= math.MaxInt64 {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(f)
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the wall-clock SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
