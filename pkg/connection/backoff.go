package connection

import (
	"sync"
	"time"
)

// Backoff hands out reconnect delays: floor, then doubling up to ceiling.
type Backoff struct {
	floor   time.Duration
	ceiling time.Duration

	mu      sync.Mutex
	current time.Duration
}

func NewBackoff(floor, ceiling time.Duration) *Backoff {
	if floor <= 0 {
		floor = time.Second
	}
	if ceiling < floor {
		ceiling = floor
	}
	return &Backoff{floor: floor, ceiling: ceiling, current: floor}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.current
	b.current *= 2
	if b.current > b.ceiling {
		b.current = b.ceiling
	}
	return delay
}

// Peek returns the delay Next would hand out.
func (b *Backoff) Peek() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.floor
	b.mu.Unlock()
}
