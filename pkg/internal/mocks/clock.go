package mocks

import (
	"sync"
	"time"
)

// Clock is a manual clock. It only moves when advanced, either directly or by
// a Timer sleeping on it.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Timer fires immediately after advancing its clock by the requested
// duration, and remembers every duration it was asked to wait.
type Timer struct {
	clock *Clock
	c     chan time.Time

	mu     sync.Mutex
	sleeps []time.Duration
}

func NewTimer(clock *Clock) *Timer {
	return &Timer{clock: clock, c: make(chan time.Time, 1)}
}

func (t *Timer) Start(d time.Duration) {
	t.mu.Lock()
	t.sleeps = append(t.sleeps, d)
	t.mu.Unlock()
	t.clock.Advance(d)
	t.c <- t.clock.Now()
}

func (t *Timer) Stop() {
	select {
	case <-t.c:
	default:
	}
}

func (t *Timer) C() <-chan time.Time { return t.c }

func (t *Timer) Sleeps() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.sleeps...)
}
