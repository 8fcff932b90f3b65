// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Time moves only
// when Advance is called; every timer, ticker, and sleep registers a
// pending waiter that fires when the clock passes its deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	f := &FakeClock{now: initial}
	f.registered = sync.NewCond(&f.mu)
	return f
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*waiter
	registered *sync.Cond
}

type waiter struct {
	deadline time.Time
	channel  chan time.Time
	// period is non-zero for tickers; the waiter is rescheduled at
	// deadline + period after firing.
	period  time.Duration
	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives when the clock advances past
// the deadline. If d <= 0 it receives immediately.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.pending = append(f.pending, &waiter{deadline: f.now.Add(d), channel: channel})
	f.registered.Broadcast()
	return channel
}

// NewTimer returns a single-shot fake timer.
func (f *FakeClock) NewTimer(d time.Duration) *Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := make(chan time.Time, 1)
	w := &waiter{deadline: f.now.Add(d), channel: channel}
	if d <= 0 {
		channel <- f.now
		w.fired = true
	} else {
		f.pending = append(f.pending, w)
		f.registered.Broadcast()
	}

	return &Timer{
		C: channel,
		stopFunc: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		resetFunc: func(d time.Duration) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			wasActive := !w.stopped && !w.fired
			w.deadline = f.now.Add(d)
			w.stopped = false
			if w.fired || !wasActive {
				w.fired = false
				f.pending = append(f.pending, w)
			}
			f.registered.Broadcast()
			return wasActive
		},
	}
}

// NewTicker returns a fake ticker. Panics if d <= 0.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := make(chan time.Time, 1)
	w := &waiter{deadline: f.now.Add(d), channel: channel, period: d}
	f.pending = append(f.pending, w)
	f.registered.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
		resetFunc: func(d time.Duration) {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.period = d
			w.deadline = f.now.Add(d)
			w.stopped = false
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (f *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d, firing expired waiters in
// deadline order. Tickers fire once per elapsed period. Channel sends
// never block: a full buffer drops the tick, matching time.Ticker.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		expired := f.takeExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, w := range expired {
			select {
			case w.channel <- target:
			default:
			}
		}
	}
}

// takeExpired removes waiters due at or before target, rescheduling
// tickers for their next period.
func (f *FakeClock) takeExpired(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var expired, remaining []*waiter
	for _, w := range f.pending {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			expired = append(expired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	for _, w := range expired {
		if w.period > 0 {
			w.deadline = w.deadline.Add(w.period)
			remaining = append(remaining, w)
		} else {
			w.fired = true
		}
	}
	f.pending = remaining
	return expired
}

// WaitForWaiters blocks until at least n waiters (timers, tickers,
// sleeps) are registered and unfired. This removes the race between a
// goroutine arming a timer and the test advancing the clock:
//
//	go loop.Run(ctx)
//	fake.WaitForWaiters(1)
//	fake.Advance(pollInterval)
func (f *FakeClock) WaitForWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.activeLocked() < n {
		f.registered.Wait()
	}
}

func (f *FakeClock) activeLocked() int {
	count := 0
	for _, w := range f.pending {
		if !w.stopped {
			count++
		}
	}
	return count
}
