// Package throttle rate-limits state-mutation closures so bursts of rapid
// stream deltas collapse into bounded-frequency writes while the final value
// of every burst is still applied.
package throttle

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle paces calls to Do. The first call in a quiet period runs
// immediately (leading edge); calls arriving faster than the configured
// interval replace each other and the newest one runs when the interval
// expires (trailing edge). Dropped intermediates are safe because every
// closure carries the full state it wants to write, not a delta.
//
// Closures run with the throttle's internal lock held, serializing them with
// each other and with Flush. A closure must not call back into the Throttle.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	limiter  *rate.Limiter
	pending  func()
	timer    *time.Timer
	gen      uint64
	stopped  bool
}

// New creates a Throttle with the given minimum spacing between calls.
// An interval of zero (or less) disables pacing: Do degenerates to calling
// fn synchronously.
func New(interval time.Duration) *Throttle {
	t := &Throttle{interval: interval}
	if interval > 0 {
		t.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return t
}

// Do runs fn now if the pacing budget allows, otherwise schedules it for the
// end of the current interval, discarding any previously scheduled closure.
func (t *Throttle) Do(fn func()) {
	if t.interval <= 0 {
		fn()
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return
	}
	if t.pending == nil && t.limiter.Allow() {
		fn()
		return
	}

	t.pending = fn
	if t.timer == nil {
		delay := t.limiter.Reserve().Delay()
		t.gen++
		gen := t.gen
		t.timer = time.AfterFunc(delay, func() { t.fire(gen) })
	}
}

// fire applies the pending closure when it is still the current one. A fire
// whose generation was invalidated by Flush, Cancel or Stop is a no-op.
func (t *Throttle) fire(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.pending == nil {
		return
	}
	fn := t.pending
	t.pending = nil
	t.timer = nil
	fn()
}

// Flush applies the pending closure immediately, if any. Callers use it to
// make the trailing write land before publishing a final state.
func (t *Throttle) Flush() {
	if t.interval <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.invalidate()
	if t.pending == nil {
		return
	}
	fn := t.pending
	t.pending = nil
	fn()
}

// Cancel discards the pending closure without running it. Used on rollback
// paths where a stale trailing write would resurrect discarded state.
func (t *Throttle) Cancel() {
	if t.interval <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.invalidate()
	t.pending = nil
}

// Stop cancels any pending work and permanently disables the throttle;
// subsequent Do calls are dropped.
func (t *Throttle) Stop() {
	if t.interval <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.invalidate()
	t.pending = nil
	t.stopped = true
}

// invalidate stops the armed timer and bumps the generation so an already
// fired timer goroutine waiting on the lock cannot apply stale work.
// Callers must hold t.mu.
func (t *Throttle) invalidate() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
