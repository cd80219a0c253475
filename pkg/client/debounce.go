package client

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Trigger calls into one call of fn, run once
// the window has passed without a new Trigger. It owns a single timer: each
// Trigger re-arms it, so fn runs at most once per quiet window.
type Debouncer struct {
	window time.Duration
	clock  Clock
	fn     func()

	mu      sync.Mutex
	timer   Timer
	seq     uint64
	pending bool
	stopped bool
}

// NewDebouncer creates a debouncer that runs fn after window of quiet.
func NewDebouncer(window time.Duration, clock Clock, fn func()) *Debouncer {
	if clock == nil {
		clock = RealClock()
	}
	return &Debouncer{window: window, clock: clock, fn: fn}
}

// Trigger (re)starts the quiet window.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.pending = true
	d.timer = d.clock.AfterFunc(d.window, func() { d.fire(seq) })
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	// A Trigger or Flush after this timer was armed owns the run.
	if seq != d.seq || !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Flush runs fn now if a run is pending, cancelling the timer. It reports
// whether fn ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
	d.pending = false
	d.mu.Unlock()
	d.fn()
	return true
}

// Stop cancels any pending run. Later Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
