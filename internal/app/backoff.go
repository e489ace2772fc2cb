package app

import (
	"context"
	"math/rand"
	"time"
)

// Default cooldown ceiling after repeated failure-triggered rotations.
const DefaultCooldownMax = 30 * time.Second

// backoff implements exponential backoff with jitter.
// A nil backoff or a zero initial duration never sleeps.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
	wait    func(ctx context.Context, d time.Duration) error
}

// newBackoff creates a new backoff with the given initial and max durations.
func newBackoff(initial, max time.Duration) *backoff {
	if max < initial {
		max = initial
	}
	return &backoff{
		initial: initial,
		max:     max,
		current: initial,
		wait:    sleepContext,
	}
}

// Sleep waits for the current backoff duration and increases it.
// Returns the context error if ctx ends first.
func (b *backoff) Sleep(ctx context.Context) error {
	if b == nil || b.initial <= 0 {
		return nil
	}

	// Add jitter: ±20%
	jitter := float64(b.current) * 0.2 * (rand.Float64()*2 - 1)
	d := time.Duration(float64(b.current) + jitter)

	// Increase for next time
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}

	return b.wait(ctx, d)
}

// Reset resets the backoff to the initial duration.
func (b *backoff) Reset() {
	if b == nil {
		return
	}
	b.current = b.initial
}

// Current returns the current backoff duration.
func (b *backoff) Current() time.Duration {
	if b == nil {
		return 0
	}
	return b.current
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
