package relay

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds the connect loop. The zero value retries forever
// without pausing.
type RetryPolicy struct {
	// MaxAttempts stops the loop after this many failed attempts; 0 means no limit.
	MaxAttempts int
	// InitialBackoff is the first pause between attempts; 0 disables backoff.
	InitialBackoff time.Duration
	// MaxBackoff caps the doubling backoff. Defaults to InitialBackoff.
	MaxBackoff time.Duration
}

func (p RetryPolicy) exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

func (p RetryPolicy) backoff() *Backoff {
	max := p.MaxBackoff
	if max < p.InitialBackoff {
		max = p.InitialBackoff
	}
	return NewBackoff(p.InitialBackoff, max)
}

// Backoff implements exponential backoff with jitter.
type Backoff struct {
	max     time.Duration
	current time.Duration
}

// NewBackoff creates a new backoff with the given initial and max durations.
func NewBackoff(initial, max time.Duration) *Backoff {
	return &Backoff{
		max:     max,
		current: initial,
	}
}

// Wait pauses for the current backoff duration and doubles it. It returns
// early with ctx.Err() if ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	if b.current <= 0 {
		return ctx.Err()
	}
	// jitter: ±20%
	jitter := float64(b.current) * 0.2 * (rand.Float64()*2 - 1)
	timer := time.NewTimer(time.Duration(float64(b.current) + jitter))
	defer timer.Stop()

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Current returns the current backoff duration.
func (b *Backoff) Current() time.Duration {
	return b.current
}
