// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package sysclock

import (
	"fmt"
	"math"
	"time"

	"golang.org/x/sys/unix"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// maxFrequencyPPM is the kernel's frequency correction range. Requests
// beyond it are clamped; the discipline loop treats sustained clamping
// as a sign of a broken oscillator and raises its alarm separately.
const maxFrequencyPPM = 500.0

// Compile-time interface check.
var _ SystemClock = (*LinuxClock)(nil)

// LinuxClock steers CLOCK_REALTIME through clock_adjtime(2).
type LinuxClock struct{}

// NewLinuxClock returns the real system clock. Mutating methods need
// CAP_SYS_TIME.
func NewLinuxClock() *LinuxClock { return &LinuxClock{} }

// ReadTime returns CLOCK_REALTIME as an NTP timestamp.
func (c *LinuxClock) ReadTime() ntptime.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		// clock_gettime on CLOCK_REALTIME does not fail on any
		// supported kernel; fall back to the time package if it
		// somehow does.
		return ntptime.FromTime(time.Now())
	}
	return ntptime.FromUnixNano(ts.Nano())
}

// StepTime jumps the clock by offset using ADJ_SETOFFSET, which
// applies the delta atomically in the kernel (no read-modify-write
// race against other time consumers).
func (c *LinuxClock) StepTime(offset ntptime.Duration) error {
	nanoseconds := offset.GoDuration().Nanoseconds()
	timex := unix.Timex{
		Modes: unix.ADJ_SETOFFSET | unix.ADJ_NANO,
	}
	timex.Time.Sec = nanoseconds / int64(time.Second)
	timex.Time.Usec = nanoseconds % int64(time.Second)
	// The kernel requires the nanosecond field in [0, 1e9).
	if timex.Time.Usec < 0 {
		timex.Time.Sec--
		timex.Time.Usec += int64(time.Second)
	}
	if _, err := unix.ClockAdjtime(unix.CLOCK_REALTIME, &timex); err != nil {
		return fmt.Errorf("stepping clock by %v: %w", offset, err)
	}
	return nil
}

// SlewFrequency sets the kernel frequency offset. The kernel scales
// ppm by 2^16.
func (c *LinuxClock) SlewFrequency(ppm float64) error {
	if math.IsNaN(ppm) {
		return fmt.Errorf("slew frequency: NaN ppm")
	}
	if ppm > maxFrequencyPPM {
		ppm = maxFrequencyPPM
	} else if ppm < -maxFrequencyPPM {
		ppm = -maxFrequencyPPM
	}
	timex := unix.Timex{
		Modes: unix.ADJ_FREQUENCY,
		Freq:  int64(ppm * 65536),
	}
	if _, err := unix.ClockAdjtime(unix.CLOCK_REALTIME, &timex); err != nil {
		return fmt.Errorf("setting frequency to %+.3f ppm: %w", ppm, err)
	}
	return nil
}
