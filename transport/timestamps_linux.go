// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// enableKernelTimestamps turns on SO_TIMESTAMPNS so the kernel stamps
// each datagram at the point of delivery to the socket, excluding
// scheduler delay between delivery and the read returning.
func enableKernelTimestamps(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockoptErr error
	err = raw.Control(func(fd uintptr) {
		sockoptErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
	})
	if err != nil {
		return err
	}
	return sockoptErr
}

// kernelTimestamp extracts the SCM_TIMESTAMPNS control message from
// the out-of-band data of a receive.
func kernelTimestamp(oob []byte) (ntptime.Time, bool) {
	controlMessages, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, message := range controlMessages {
		if message.Header.Level != unix.SOL_SOCKET || message.Header.Type != unix.SCM_TIMESTAMPNS {
			continue
		}
		if len(message.Data) < 16 {
			continue
		}
		seconds := int64(nativeEndian64(message.Data[0:8]))
		nanoseconds := int64(nativeEndian64(message.Data[8:16]))
		return ntptime.FromTime(time.Unix(seconds, nanoseconds)), true
	}
	return 0, false
}

// nativeEndian64 reads a host-order 64-bit value from control message
// data (control messages are in host byte order).
func nativeEndian64(data []byte) uint64 {
	var value uint64
	for i := 7; i >= 0; i-- {
		value = value<<8 | uint64(data[i])
	}
	return value
}
