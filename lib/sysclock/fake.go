// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package sysclock

import (
	"sync"
	"time"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// Compile-time interface check.
var _ SystemClock = (*FakeClock)(nil)

// FakeClock models a steerable clock in memory. Time advances only
// through AdvanceReal, scaled by the configured frequency error plus
// any slew applied through SlewFrequency. Tests use it to verify that
// the discipline loop converges; monitoring-only deployments use it as
// a sink so corrections are computed but never touch the real clock.
type FakeClock struct {
	mu sync.Mutex

	// current is the fake clock's own reading.
	current ntptime.Time

	// intrinsicPPM is the simulated oscillator error.
	intrinsicPPM float64

	// appliedPPM is the most recent SlewFrequency correction.
	appliedPPM float64

	steps []ntptime.Duration
	slews []float64
}

// NewFake returns a fake clock reading initial, with an intrinsic
// frequency error of intrinsicPPM parts per million.
func NewFake(initial ntptime.Time, intrinsicPPM float64) *FakeClock {
	return &FakeClock{current: initial, intrinsicPPM: intrinsicPPM}
}

// ReadTime returns the fake clock's current reading.
func (c *FakeClock) ReadTime() ntptime.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// StepTime records and applies an immediate correction.
func (c *FakeClock) StepTime(offset ntptime.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(offset)
	c.steps = append(c.steps, offset)
	return nil
}

// SlewFrequency records the applied correction. It takes effect on
// subsequent AdvanceReal calls.
func (c *FakeClock) SlewFrequency(ppm float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appliedPPM = ppm
	c.slews = append(c.slews, ppm)
	return nil
}

// AdvanceReal moves true time forward by elapsed. The fake clock's
// reading advances by elapsed scaled by its intrinsic error plus the
// applied correction.
func (c *FakeClock) AdvanceReal(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	scale := 1 + (c.intrinsicPPM+c.appliedPPM)/1e6
	c.current = c.current.Add(ntptime.DurationFromSeconds(elapsed.Seconds() * scale))
}

// Steps returns every step applied so far, oldest first.
func (c *FakeClock) Steps() []ntptime.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ntptime.Duration(nil), c.steps...)
}

// Slews returns every frequency correction applied so far.
func (c *FakeClock) Slews() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.slews...)
}

// AppliedPPM returns the current frequency correction.
func (c *FakeClock) AppliedPPM() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appliedPPM
}
