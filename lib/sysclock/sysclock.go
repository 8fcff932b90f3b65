// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysclock is the system-clock collaborator: reading the clock
// being disciplined and applying phase/frequency corrections to it.
// Only the discipline loop calls the mutating methods; everything else
// treats the system clock as read-only.
//
// The Linux implementation drives clock_adjtime(2). The Fake
// implementation models a drifting clock in memory for tests and for
// monitoring-only deployments.
package sysclock

import (
	"errors"
	"time"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// SystemClock reads and steers the local clock.
type SystemClock interface {
	// ReadTime returns the current system time as an NTP timestamp.
	ReadTime() ntptime.Time

	// StepTime applies an immediate, discontinuous correction: the
	// clock jumps by offset.
	StepTime(offset ntptime.Duration) error

	// SlewFrequency sets the clock frequency correction in parts per
	// million. Positive values make the clock run faster.
	SlewFrequency(ppm float64) error
}

// ErrUnsupported is returned by the mutating methods of clocks that
// can only be read.
var ErrUnsupported = errors.New("sysclock: clock steering not supported on this platform")

var _ SystemClock = ReadOnly{}

// ReadOnly reads the wall clock but cannot steer it. It backs
// monitoring-only deployments on platforms without clock_adjtime.
type ReadOnly struct{}

func (ReadOnly) ReadTime() ntptime.Time { return ntptime.FromTime(time.Now()) }

func (ReadOnly) StepTime(ntptime.Duration) error { return ErrUnsupported }

func (ReadOnly) SlewFrequency(float64) error { return ErrUnsupported }
