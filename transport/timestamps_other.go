// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package transport

import (
	"errors"
	"net"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// Kernel receive timestamps are Linux-only; other platforms fall back
// to userspace timestamps in Receive.

func enableKernelTimestamps(conn *net.UDPConn) error {
	return errors.New("transport: kernel timestamps unsupported on this platform")
}

func kernelTimestamp(oob []byte) (ntptime.Time, bool) { return 0, false }
