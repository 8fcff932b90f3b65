// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"time"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// Default poll exponent bounds: 2^4 = 16 s to 2^10 = 1024 s.
const (
	DefaultMinPoll int8 = 4
	DefaultMaxPoll int8 = 10
)

// stableRounds is how many consecutive calm rounds with a full recent
// reachability history are required before the interval doubles.
const stableRounds = 3

// pollState adapts the polling interval of one source. The interval is
// 2^exponent seconds bounded to [minExponent, maxExponent]. An 8-bit
// shift register tracks the outcome of the last eight polls; all-zero
// means the source is unreachable.
type pollState struct {
	exponent    int8
	minExponent int8
	maxExponent int8

	reach  uint8
	stable int

	// burst counts remaining accelerated polls at startup. While
	// positive, the interval stays at the minimum so the sample window
	// fills quickly.
	burst int
}

func newPollState(minExponent, maxExponent int8, burst int) *pollState {
	if minExponent > maxExponent {
		minExponent, maxExponent = maxExponent, minExponent
	}
	return &pollState{
		exponent:    minExponent,
		minExponent: minExponent,
		maxExponent: maxExponent,
		burst:       burst,
	}
}

// interval returns the current wait between polls.
func (p *pollState) interval() time.Duration {
	exponent := p.exponent
	if p.burst > 0 {
		exponent = p.minExponent
	}
	if exponent < 0 {
		return time.Second >> uint(-exponent)
	}
	return time.Second << uint(exponent)
}

// intervalDuration is interval in the fixed-point scale, for
// dispersion and time-constant arithmetic.
func (p *pollState) intervalDuration() ntptime.Duration {
	return ntptime.DurationFrom(p.interval())
}

// reachable reports whether any of the last eight polls succeeded.
func (p *pollState) reachable() bool { return p.reach != 0 }

// registerSuccess records a completed exchange. calm reports that the
// round's offset was within the noise floor, meaning nothing is gained
// by polling faster. The interval doubles only after stableRounds calm
// rounds on top of a consistently successful recent history.
func (p *pollState) registerSuccess(calm bool) {
	p.reach = p.reach<<1 | 1
	if p.burst > 0 {
		p.burst--
		return
	}
	if !calm {
		p.stable = 0
		p.faster()
		return
	}
	if p.reach&0x07 == 0x07 {
		p.stable++
		if p.stable >= stableRounds {
			p.stable = 0
			p.slower()
		}
	}
}

// registerMiss records a timed-out, rejected, or unauthenticated poll.
func (p *pollState) registerMiss() {
	p.reach <<= 1
	p.stable = 0
	p.faster()
}

// forceSlower reacts to a rate-limiting kiss from the source: back off
// immediately and forget accumulated stability.
func (p *pollState) forceSlower() {
	p.stable = 0
	p.burst = 0
	p.slower()
}

func (p *pollState) slower() {
	if p.exponent < p.maxExponent {
		p.exponent++
	}
}

func (p *pollState) faster() {
	if p.exponent > p.minExponent {
		p.exponent--
	}
}
