package watch

import (
	"math/rand"
	"time"
)

// Defaults for retrying a failed run when no input changes.
const (
	DefaultRetryBase = 30 * time.Second
	DefaultRetryMax  = 10 * time.Minute
)

type backoff struct {
	base time.Duration
	max  time.Duration
	cur  time.Duration
}

func newBackoff(base, max time.Duration) *backoff { return &backoff{base: base, max: max} }

// Next doubles the delay up to max and returns it with +/-20% jitter.
func (b *backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	j := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(b.cur) * j)
}

func (b *backoff) Reset() { b.cur = 0 }
