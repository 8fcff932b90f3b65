// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"

	"github.com/meridian-time/meridian/lib/clock"
	"github.com/meridian-time/meridian/lib/ntptime"
)

// Compile-time interface check.
var _ PacketConn = (*MemoryConn)(nil)

// MemoryConn is one end of an in-memory datagram pair, used by tests
// and by the end-to-end harness to stand in for a UDP socket. Receive
// timestamps come from the injected scheduling clock, so tests control
// them exactly.
type MemoryConn struct {
	clock clock.Clock

	mu     sync.Mutex
	closed bool

	inbox chan Datagram
	peer  *MemoryConn
}

// MemoryPair returns two connected in-memory endpoints stamping
// received datagrams with clk. The buffer absorbs a handful of
// in-flight datagrams so a test server never blocks on send.
func MemoryPair(clk clock.Clock) (*MemoryConn, *MemoryConn) {
	a := &MemoryConn{clock: clk, inbox: make(chan Datagram, 16)}
	b := &MemoryConn{clock: clk, inbox: make(chan Datagram, 16)}
	a.peer, b.peer = b, a
	return a, b
}

// Send delivers the payload to the peer's inbox, stamped at delivery.
// A full inbox drops the datagram — packet networks do that too.
func (m *MemoryConn) Send(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	datagram := Datagram{
		Payload:  append([]byte(nil), payload...),
		Received: ntptime.FromTime(m.clock.Now()),
	}
	select {
	case m.peer.inbox <- datagram:
	default:
	}
	return nil
}

// Receive blocks for the next datagram, the context, or Close.
func (m *MemoryConn) Receive(ctx context.Context) (Datagram, error) {
	select {
	case datagram, ok := <-m.inbox:
		if !ok {
			return Datagram{}, ErrClosed
		}
		return datagram, nil
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// Close shuts this endpoint down. Pending and future Receives return
// ErrClosed.
func (m *MemoryConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.inbox)
	return nil
}
