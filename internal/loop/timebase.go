package loop

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Timebase hands out detector timestamps: milliseconds since a fixed
// origin, never lower than the previous value even if the clock steps back.
type Timebase struct {
	clock  clock.Clock
	origin time.Time

	mu   sync.Mutex
	last int64
}

// NewTimebase fixes the origin at the clock's current time
func NewTimebase(clk clock.Clock) *Timebase {
	if clk == nil {
		clk = clock.New()
	}
	return &Timebase{clock: clk, origin: clk.Now()}
}

// Now returns the current timestamp in milliseconds
func (t *Timebase) Now() int64 {
	ms := t.clock.Since(t.origin).Milliseconds()

	t.mu.Lock()
	defer t.mu.Unlock()
	if ms < t.last {
		ms = t.last
	}
	t.last = ms
	return ms
}
