package sqlite

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Backoff chooses how long to sleep before retrying a prepare or step that
// hit Busy, Locked or CantOpen.
type Backoff interface {
	Delay(attempt int) time.Duration
}

// JitterBackoff sleeps a uniformly random duration in [Min, Max] on every
// attempt. Retries are bounded by cancellation, not by a ceiling.
type JitterBackoff struct {
	Min, Max time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewJitterBackoff returns a JitterBackoff seeded once with seed.
func NewJitterBackoff(min, max time.Duration, seed int64) *JitterBackoff {
	if max < min {
		min, max = max, min
	}
	return &JitterBackoff{Min: min, Max: max, rnd: rand.New(rand.NewSource(seed))}
}

// DefaultBackoff sleeps between 1ms and 150ms.
func DefaultBackoff() *JitterBackoff {
	return NewJitterBackoff(time.Millisecond, 150*time.Millisecond, time.Now().UnixNano())
}

func (b *JitterBackoff) Delay(int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	span := int64(b.Max - b.Min)
	if span <= 0 {
		return b.Min
	}
	return b.Min + time.Duration(b.rnd.Int63n(span+1))
}

// sleepOrCancel waits for the backoff delay. It returns a cancelled error if
// ctx is done first.
func sleepOrCancel(ctx context.Context, b Backoff, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return newCancelledError(ctx.Err())
	case <-timer.C:
		return nil
	}
}
