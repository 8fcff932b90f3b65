// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer implements the per-source half of the synchronization
// engine: the protocol state machine that exchanges timestamped packets
// with one remote source, the clock filter that reduces its recent
// samples to a single filtered estimate, and the poll scheduler that
// adapts how often the source is asked.
//
// Each source runs as one goroutine ([Peer.Run]) owning all of its
// state. The only outputs are immutable [Measurement] values sent on a
// channel to the daemon's synchronization round.
package peer

import (
	"github.com/meridian-time/meridian/lib/ntptime"
	"github.com/meridian-time/meridian/lib/wire"
)

// phiPPM is the assumed frequency tolerance of the local oscillator in
// parts per million. Dispersion grows at this rate with sample age.
const phiPPM = 15

// measurementPrecision bounds the reading error of a single clock
// read, about one microsecond.
const measurementPrecision = ntptime.Duration(ntptime.Second >> 20)

// Sample is one validated measurement from a single request/response
// exchange. It is immutable after creation.
type Sample struct {
	// The four exchange timestamps: local transmit, remote receive,
	// remote transmit, local receive.
	Origin      ntptime.Time
	Receive     ntptime.Time
	Transmit    ntptime.Time
	Destination ntptime.Time

	// Offset and Delay are derived from the four timestamps at
	// creation.
	Offset ntptime.Duration
	Delay  ntptime.Duration

	// Dispersion is the measurement error bound at capture time.
	Dispersion ntptime.Duration

	// The source's own accumulated statistics back to its primary
	// reference, as reported in the response header.
	RootDelay      ntptime.Duration
	RootDispersion ntptime.Duration

	Stratum uint8
	Leap    wire.Leap
}

// newSample derives a Sample from a matched exchange: the transmit
// timestamp of our request, the response header, and the local receive
// timestamp of the response datagram.
func newSample(request ntptime.Time, response wire.Packet, destination ntptime.Time) Sample {
	t1 := request
	t2 := response.ReceiveTime
	t3 := response.TransmitTime
	t4 := destination
	roundTrip := t4.Sub(t1)
	return Sample{
		Origin:         t1,
		Receive:        t2,
		Transmit:       t3,
		Destination:    t4,
		Delay:          roundTrip - t3.Sub(t2),
		Offset:         (t2.Sub(t1) + t3.Sub(t4)) / 2,
		Dispersion:     measurementPrecision + roundTrip.MultiplyPPM(phiPPM),
		RootDelay:      response.RootDelay.Duration(),
		RootDispersion: response.RootDispersion.Duration(),
		Stratum:        response.Stratum,
		Leap:           response.Leap,
	}
}
