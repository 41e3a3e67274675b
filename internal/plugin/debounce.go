package plugin

import (
	"sync"
	"time"
)

// Debouncer collapses bursts of Trigger calls into one trailing call of fn.
//
// fn never runs concurrently with itself. Triggers that fire while fn is
// running are absorbed into exactly one extra run after it returns.
type Debouncer struct {
	wait time.Duration
	fn   func()

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	pending bool
	stopped bool
}

func NewDebouncer(wait time.Duration, fn func()) *Debouncer {
	if wait <= 0 {
		wait = 200 * time.Millisecond
	}
	return &Debouncer{wait: wait, fn: fn}
}

// Trigger (re)arms the timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.wait, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.running {
		d.pending = true
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	for {
		d.fn()

		d.mu.Lock()
		if d.pending && !d.stopped {
			d.pending = false
			d.mu.Unlock()
			continue
		}
		d.running = false
		d.mu.Unlock()
		return
	}
}

// Stop cancels a pending call. A call already running finishes.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
