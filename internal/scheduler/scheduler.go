// Package scheduler provides a display-refresh style frame scheduler.
//
// Callbacks requested with RequestFrame run once, on the next tick, on a
// single goroutine. Callbacks requested while a tick is running are
// deferred to the following tick, so a callback that re-registers itself
// runs at most once per tick and never overlaps with itself.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRefreshRate is the tick rate used when none is configured
const DefaultRefreshRate = 60.0

// RequestID identifies a pending frame request. Zero is never issued.
type RequestID uint64

// FrameCallback receives the tick time
type FrameCallback func(now time.Time)

// Scheduler queues one-shot callbacks for the next frame
type Scheduler interface {
	RequestFrame(cb FrameCallback) RequestID
	CancelFrame(id RequestID)
}

type request struct {
	id RequestID
	cb FrameCallback
}

// Ticker runs queued callbacks on every tick of a clock ticker
type Ticker struct {
	clock    clock.Clock
	interval time.Duration

	mu      sync.Mutex
	nextID  RequestID
	pending []request
	running map[RequestID]struct{} // Requests of the tick in progress

	tickMu sync.Mutex // Serializes Tick

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewTicker creates a scheduler ticking refreshRate times per second
func NewTicker(clk clock.Clock, refreshRate float64) *Ticker {
	if clk == nil {
		clk = clock.New()
	}
	if refreshRate <= 0 {
		refreshRate = DefaultRefreshRate
	}
	return &Ticker{
		clock:    clk,
		interval: time.Duration(float64(time.Second) / refreshRate),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Interval returns the tick period
func (t *Ticker) Interval() time.Duration {
	return t.interval
}

// RequestFrame queues cb for the next tick
func (t *Ticker) RequestFrame(cb FrameCallback) RequestID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.pending = append(t.pending, request{id: id, cb: cb})
	return id
}

// CancelFrame removes a pending request. Unknown or already-run IDs are ignored.
func (t *Ticker) CancelFrame(id RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.running, id)
	for i, r := range t.pending {
		if r.id == id {
			t.pending = append(t.pending[:i], t.pending[i+1:]...)
			return
		}
	}
}

// Pending returns the number of queued requests
func (t *Ticker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Tick runs every callback queued before this call, in request order.
// A request cancelled by an earlier callback of the same tick does not run.
func (t *Ticker) Tick(now time.Time) {
	t.tickMu.Lock()
	defer t.tickMu.Unlock()

	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	t.running = make(map[RequestID]struct{}, len(batch))
	for _, r := range batch {
		t.running[r.id] = struct{}{}
	}
	t.mu.Unlock()

	for _, r := range batch {
		t.mu.Lock()
		_, live := t.running[r.id]
		delete(t.running, r.id)
		t.mu.Unlock()
		if live {
			r.cb(now)
		}
	}

	t.mu.Lock()
	t.running = nil
	t.mu.Unlock()
}

// Start begins ticking on a background goroutine until ctx ends or Stop is called
func (t *Ticker) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		ticker := t.clock.Ticker(t.interval)
		go func() {
			defer close(t.done)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.stop:
					return
				case <-ticker.C:
					t.Tick(t.clock.Now())
				}
			}
		}()
	})
}

// Stop halts the tick goroutine and waits for it. Pending requests are dropped.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
	// A ticker that was never started has no goroutine to close done
	t.startOnce.Do(func() {
		close(t.done)
	})
	<-t.done

	t.mu.Lock()
	t.pending = nil
	t.mu.Unlock()
}
