package raft

import (
	"sync"
	"time"
)

// Clock abstracts timer creation so timing policy is decoupled from the state
// machine: production nodes run on monotonic wall timers, tests on a manually
// advanced clock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a resettable one-shot timer.
type Timer interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

// --- Wall clock ---

type wallClock struct{}

// NewWallClock returns the production Clock backed by the runtime's monotonic
// timers.
func NewWallClock() Clock {
	return wallClock{}
}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) NewTimer(d time.Duration) Timer {
	return &wallTimer{t: time.NewTimer(d)}
}

type wallTimer struct {
	t *time.Timer
}

func (w *wallTimer) C() <-chan time.Time { return w.t.C }

func (w *wallTimer) Reset(d time.Duration) {
	if !w.t.Stop() {
		select {
		case <-w.t.C:
		default:
		}
	}
	w.t.Reset(d)
}

func (w *wallTimer) Stop() {
	if !w.t.Stop() {
		select {
		case <-w.t.C:
		default:
		}
	}
}

// --- Manual clock ---

// ManualClock is a Clock whose time only moves when Advance is called.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Unix(0, 0)}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{
		clock:    c,
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
		active:   true,
	}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires every active timer whose deadline
// has passed.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var fired []*manualTimer
	for _, t := range c.timers {
		if t.active && !t.deadline.After(now) {
			t.active = false
			fired = append(fired, t)
		}
	}
	c.mu.Unlock()

	for _, t := range fired {
		select {
		case t.ch <- now:
		default:
		}
	}
}

type manualTimer struct {
	clock    *ManualClock
	ch       chan time.Time
	deadline time.Time
	active   bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.deadline = t.clock.now.Add(d)
	t.active = true
	select {
	case <-t.ch:
	default:
	}
}

func (t *manualTimer) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.active = false
	select {
	case <-t.ch:
	default:
	}
}
