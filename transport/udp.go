// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// Compile-time interface check.
var _ PacketConn = (*UDPConn)(nil)

// maxDatagramSize bounds a single receive. The fixed header is 48
// bytes; extensions and MAC stay well under this.
const maxDatagramSize = 1024

// UDPConn is a connected UDP socket to one source. Receive timestamps
// come from the kernel (SO_TIMESTAMPNS) where available, otherwise
// from userspace immediately after the read returns.
type UDPConn struct {
	conn           *net.UDPConn
	kernelStamping bool
	oobBuffer      []byte
}

// DialUDP opens a connected UDP socket to address (host:port). The
// connected socket means the kernel filters datagrams from other
// peers, which is the first line of defense against off-path
// injection.
func DialUDP(address string) (*UDPConn, error) {
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	u := &UDPConn{conn: conn}
	// Kernel timestamping is best effort: without it we fall back to
	// userspace timestamps, which only costs accuracy.
	if err := enableKernelTimestamps(conn); err == nil {
		u.kernelStamping = true
		u.oobBuffer = make([]byte, 64)
	}
	return u, nil
}

// Send transmits one datagram to the connected source.
func (u *UDPConn) Send(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		u.conn.SetWriteDeadline(deadline)
	} else {
		u.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := u.conn.Write(payload); err != nil {
		return fmt.Errorf("sending datagram: %w", err)
	}
	return nil
}

// Receive blocks until a datagram arrives or ctx is done. Cancelling
// the context interrupts a blocked read.
func (u *UDPConn) Receive(ctx context.Context) (Datagram, error) {
	if deadline, ok := ctx.Deadline(); ok {
		u.conn.SetReadDeadline(deadline)
	} else {
		u.conn.SetReadDeadline(time.Time{})
	}

	// Interrupt the blocking read when the context is cancelled.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			u.conn.SetReadDeadline(time.Now())
		case <-watchDone:
		}
	}()

	buffer := make([]byte, maxDatagramSize)
	if u.kernelStamping {
		length, oobLength, _, _, err := u.conn.ReadMsgUDP(buffer, u.oobBuffer)
		if err != nil {
			return Datagram{}, u.receiveError(ctx, err)
		}
		received, ok := kernelTimestamp(u.oobBuffer[:oobLength])
		if !ok {
			received = ntptime.FromTime(time.Now())
		}
		return Datagram{Payload: buffer[:length], Received: received}, nil
	}

	length, err := u.conn.Read(buffer)
	if err != nil {
		return Datagram{}, u.receiveError(ctx, err)
	}
	return Datagram{Payload: buffer[:length], Received: ntptime.FromTime(time.Now())}, nil
}

// receiveError maps a read failure caused by context cancellation to
// the context's error, so callers see ctx.Err() rather than an opaque
// i/o timeout.
func (u *UDPConn) receiveError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("receiving datagram: %w", err)
}

// Close closes the socket.
func (u *UDPConn) Close() error { return u.conn.Close() }

// LocalAddr returns the bound local address, for logging.
func (u *UDPConn) LocalAddr() net.Addr { return u.conn.LocalAddr() }
