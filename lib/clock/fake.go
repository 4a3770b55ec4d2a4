// Copyright 2026 The Anteroom Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock pinned to the given time. Time stands still
// until Advance is called; all pending timers, tickers, and sleeps
// whose deadlines fall inside the advance window fire in deadline
// order.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

// waiter is one pending After, Sleep, or Ticker registration.
type waiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for tickers; after firing, the waiter is
	// rescheduled at deadline + interval.
	interval time.Duration

	stopped bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0, the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}

	c.waiters = append(c.waiters, &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.changed.Broadcast()
	return channel
}

// NewTicker returns a Ticker that fires every time the clock advances
// past a multiple of d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	pending := &waiter{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.waiters = append(c.waiters, pending)
	c.changed.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			pending.stopped = true
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past the
// deadline. Returns immediately for d <= 0.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d, firing expired waiters in
// deadline order. Channel sends are non-blocking: a ticker whose
// consumer fell behind drops the tick, matching time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		expired := c.collectExpired(target)
		if len(expired) == 0 {
			return
		}

		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})

		for _, pending := range expired {
			select {
			case pending.channel <- target:
			default:
			}
		}
	}
}

// collectExpired removes expired waiters from the pending list and
// reschedules tickers for their next interval.
func (c *FakeClock) collectExpired(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*waiter
	var remaining []*waiter

	for _, pending := range c.waiters {
		if pending.stopped {
			continue
		}
		if !pending.deadline.After(target) {
			expired = append(expired, pending)
		} else {
			remaining = append(remaining, pending)
		}
	}

	for _, pending := range expired {
		if pending.interval > 0 {
			pending.deadline = pending.deadline.Add(pending.interval)
			remaining = append(remaining, pending)
		}
	}

	c.waiters = remaining
	return expired
}

// WaitForTimers blocks until at least n timers, tickers, or sleeps are
// pending. This closes the race between a goroutine registering a
// timer and the test advancing the clock:
//
//	go worker(fake)
//	fake.WaitForTimers(1)
//	fake.Advance(time.Minute)
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of active pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	count := 0
	for _, pending := range c.waiters {
		if !pending.stopped {
			count++
		}
	}
	return count
}
