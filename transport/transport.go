// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport carries raw datagrams between the engine and its
// time sources: bytes out, bytes plus a receive timestamp in. The
// engine never touches sockets directly — it sees only this interface,
// so tests substitute the in-memory pair and get deterministic
// timestamps.
package transport

import (
	"context"
	"errors"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// ErrClosed is returned by Send and Receive after Close.
var ErrClosed = errors.New("transport: connection closed")

// Datagram is one received packet with the timestamp taken as close to
// the wire as the platform allows (kernel receive timestamps on Linux,
// userspace otherwise).
type Datagram struct {
	Payload  []byte
	Received ntptime.Time
}

// PacketConn is a bidirectional packet channel to a single source.
type PacketConn interface {
	// Send transmits one datagram. It does not block beyond the
	// context.
	Send(ctx context.Context, payload []byte) error

	// Receive blocks until a datagram arrives, the context is
	// cancelled, or the connection is closed.
	Receive(ctx context.Context) (Datagram, error)

	// Close releases the connection. In-flight Receives return
	// ErrClosed.
	Close() error
}
