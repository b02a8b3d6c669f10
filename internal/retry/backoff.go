package retry

import (
	"math/rand/v2"
	"sync"
	"time"
)

const (
	DefaultBaseDelay      = 60 * time.Second
	DefaultMaxDelay       = 240 * time.Second
	DefaultJitterFraction = 0.5
)

// Backoff computes min(MaxDelay, BaseDelay*2^(attempt-1)) plus up to
// JitterFraction of that delay.
type Backoff struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(base, max time.Duration, jitterFraction float64) *Backoff {
	return &Backoff{
		BaseDelay:      base,
		MaxDelay:       max,
		JitterFraction: jitterFraction,
	}
}

func DefaultBackoff() *Backoff {
	return NewBackoff(DefaultBaseDelay, DefaultMaxDelay, DefaultJitterFraction)
}

// WithRand replaces the jitter source. Intended for tests.
func (b *Backoff) WithRand(r *rand.Rand) *Backoff {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rng = r
	return b
}

func (b *Backoff) NextDelay(attempt int) time.Duration {
	delay := b.baseDelay(attempt)
	if b.JitterFraction <= 0 || delay <= 0 {
		return delay
	}

	jitter := time.Duration(b.randFloat() * b.JitterFraction * float64(delay))
	return delay + jitter
}

// Ceiling is the largest value NextDelay can return.
func (b *Backoff) Ceiling() time.Duration {
	return b.MaxDelay + time.Duration(float64(b.MaxDelay)*max(b.JitterFraction, 0))
}

func (b *Backoff) baseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.BaseDelay
	for i := 1; i < attempt; i++ {
		if delay >= b.MaxDelay {
			break
		}
		delay *= 2
	}

	return min(delay, b.MaxDelay)
}

func (b *Backoff) randFloat() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rng == nil {
		return rand.Float64()
	}

	return b.rng.Float64()
}
