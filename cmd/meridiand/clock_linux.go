// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import "github.com/meridian-time/meridian/lib/sysclock"

// systemClock returns the adjtimex-backed clock. Reading works
// unprivileged; steering needs CAP_SYS_TIME, which monitor-only
// deployments never exercise.
func systemClock(bool) (sysclock.SystemClock, error) {
	return sysclock.NewLinuxClock(), nil
}
