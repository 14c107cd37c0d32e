// Package timeutil provides a testable abstraction over the time operations
// used for replay pacing and key polling.
package timeutil

import (
	"sync"
	"time"
)

// Clock provides an abstraction over time operations for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the duration since t.
	Since(t time.Time) time.Duration

	// After waits for the duration to elapse and then sends the current time.
	After(d time.Duration) <-chan time.Time

	// NewTimer creates a new Timer that will send the current time
	// on its channel after at least duration d.
	NewTimer(d time.Duration) Timer
}

// Timer represents a single event timer.
type Timer interface {
	// C returns the channel on which the time is delivered.
	C() <-chan time.Time

	// Stop prevents the Timer from firing.
	Stop() bool
}

// RealClock implements Clock using the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Since returns the time elapsed since t.
func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// After waits for the duration to elapse and then sends the current time.
func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// NewTimer creates a new Timer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) C() <-chan time.Time { return t.timer.C }
func (t *realTimer) Stop() bool          { return t.timer.Stop() }

// MockClock is a manually controlled clock for testing.
//
// After does not block: it records the requested wait, advances the clock by
// that amount and returns an already-fired channel. This lets paced loops run
// at full speed while tests inspect the waits they asked for. Timers created
// with NewTimer only fire on Advance.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	waits  []time.Duration
	timers []*MockTimer
}

// NewMockClock creates a new MockClock set to the given time.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set sets the mock clock to a specific time.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Since returns the duration since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Advance moves the mock clock forward by the given duration
// and fires any expired timers.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	timers := append([]*MockTimer(nil), c.timers...)
	c.mu.Unlock()

	for _, t := range timers {
		t.checkAndFire(now)
	}
}

// After records d, advances the clock by d and returns a fired channel.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()

	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// Waits returns all durations passed to After.
func (c *MockClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]time.Duration, len(c.waits))
	copy(result, c.waits)
	return result
}

// NewTimer creates a new MockTimer.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &MockTimer{
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
	}
	c.timers = append(c.timers, t)
	return t
}

// MockTimer is a manually controlled timer for testing.
type MockTimer struct {
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	stopped  bool
	fired    bool
}

// C returns the timer channel.
func (t *MockTimer) C() <-chan time.Time {
	return t.ch
}

// Stop prevents the timer from firing.
func (t *MockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (t *MockTimer) checkAndFire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.fired {
		return
	}

	if !now.Before(t.deadline) {
		t.fired = true
		select {
		case t.ch <- now:
		default:
		}
	}
}
