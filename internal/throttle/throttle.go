// Package throttle collapses bursts of events into a single delayed call.
package throttle

import (
	"sync"
	"time"
)

// Debouncer runs fn once after the last Trigger in a burst has been quiet
// for delay. Every Trigger restarts the timer.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	stopped bool
}

func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fn)
}

// Stop drops any pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Coalescer delivers at most one value per window, always the latest one
// pushed. The first push of a quiet period opens the window.
type Coalescer[T any] struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func(T)
	latest  T
	pending bool
	stopped bool
	timer   *time.Timer
}

func NewCoalescer[T any](delay time.Duration, fn func(T)) *Coalescer[T] {
	return &Coalescer[T]{delay: delay, fn: fn}
}

func (c *Coalescer[T]) Push(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.latest = v
	if c.pending {
		return
	}
	c.pending = true
	c.timer = time.AfterFunc(c.delay, c.deliver)
}

func (c *Coalescer[T]) deliver() {
	c.mu.Lock()
	if !c.pending || c.stopped {
		c.mu.Unlock()
		return
	}
	v := c.latest
	c.pending = false
	c.mu.Unlock()
	c.fn(v)
}

// Stop delivers a pending value right away and disables the coalescer.
func (c *Coalescer[T]) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	pending := c.pending
	c.pending = false
	v := c.latest
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	if pending {
		c.fn(v)
	}
}
