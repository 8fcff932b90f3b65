// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package main

import (
	"errors"

	"github.com/meridian-time/meridian/lib/sysclock"
)

// systemClock on non-Linux platforms can read the wall clock but not
// steer it, so only monitoring deployments are possible.
func systemClock(monitorOnly bool) (sysclock.SystemClock, error) {
	if !monitorOnly {
		return nil, errors.New("clock steering requires linux; set monitor_only to run here")
	}
	return sysclock.ReadOnly{}, nil
}
