// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-time/meridian/lib/auth"
	"github.com/meridian-time/meridian/lib/clock"
	"github.com/meridian-time/meridian/lib/ntptime"
	"github.com/meridian-time/meridian/lib/sysclock"
	"github.com/meridian-time/meridian/lib/wire"
	"github.com/meridian-time/meridian/transport"
)

// SourceID is the stable identity of a configured source. The daemon
// assigns ids and never reuses them within a process lifetime.
type SourceID uint32

// State is the protocol state of a source after its latest poll.
type State uint8

const (
	// StateInit means no poll has been sent yet.
	StateInit State = iota
	// StateAwaitingResponse means a request is outstanding.
	StateAwaitingResponse
	// StateValid means the latest exchange produced an accepted sample.
	StateValid
	// StateRejected means the latest response failed validation.
	StateRejected
	// StateTimedOut means the latest request's deadline expired.
	StateTimedOut
	// StateDemobilized means the source sent an access-denial kiss and
	// is no longer polled.
	StateDemobilized
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateValid:
		return "valid"
	case StateRejected:
		return "rejected"
	case StateTimedOut:
		return "timed-out"
	case StateDemobilized:
		return "demobilized"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Status is an immutable snapshot of one source's protocol and filter
// state, published with every Measurement.
type Status struct {
	State        State
	Reach        uint8
	PollExponent int8
	PollInterval time.Duration

	// Stat is meaningful only when HasStat is true, which requires at
	// least one accepted sample since the last filter reset.
	Stat    FilteredStat
	HasStat bool
}

// Measurement is the peer goroutine's output: one snapshot per poll
// outcome, delivered to the daemon's synchronization round. Epoch lets
// the daemon discard measurements from a source generation that has
// been removed or reset.
type Measurement struct {
	Source SourceID
	Epoch  uint64
	Status Status

	// Fresh is true when this measurement carries a newly accepted
	// sample rather than a missed-poll status update.
	Fresh bool
}

// DefaultResponseDeadline bounds how long a request stays outstanding.
// Responses arriving later are stale and dropped.
const DefaultResponseDeadline = 5 * time.Second

// DefaultMaxDelay is the round-trip sanity ceiling. Exchanges slower
// than this carry too much asymmetry risk to be usable.
const DefaultMaxDelay = ntptime.Second / 2

// calmGate scales jitter when deciding whether an offset is within the
// noise floor for poll-interval widening.
const calmGate = 4

// Config carries everything a peer goroutine needs. Conn, Clock,
// System, Measurements and Logger are required.
type Config struct {
	ID    SourceID
	Name  string
	Epoch uint64

	Conn   transport.PacketConn
	Clock  clock.Clock
	System sysclock.SystemClock
	Logger *slog.Logger

	// Gate authenticates exchanges when it has keys loaded; KeyID
	// selects the key used to sign requests.
	Gate  *auth.Gate
	KeyID uint32

	MinPoll    int8
	MaxPoll    int8
	WindowSize int

	ResponseDeadline time.Duration
	MaxDelay         ntptime.Duration

	Measurements chan<- Measurement
}

// Peer owns all per-source state. Every field is confined to the Run
// goroutine; other goroutines interact only through ResetFilter and
// the measurement channel.
type Peer struct {
	cfg  Config
	log  *slog.Logger
	poll *pollState

	state   State
	window  *sampleWindow
	stat    FilteredStat
	hasStat bool

	// lastRequest is the transmit timestamp the outstanding request
	// carried; the response must echo it in its origin field.
	lastRequest ntptime.Time

	resets chan struct{}
}

// New validates the configuration and builds a peer. Run must be
// called to start polling.
func New(cfg Config) (*Peer, error) {
	if cfg.Conn == nil {
		return nil, errors.New("peer: transport connection is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("peer: scheduling clock is required")
	}
	if cfg.System == nil {
		return nil, errors.New("peer: system clock is required")
	}
	if cfg.Measurements == nil {
		return nil, errors.New("peer: measurement channel is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("peer: logger is required")
	}
	if cfg.Gate == nil {
		cfg.Gate = auth.Open()
	}
	if cfg.MinPoll == 0 && cfg.MaxPoll == 0 {
		cfg.MinPoll, cfg.MaxPoll = DefaultMinPoll, DefaultMaxPoll
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.ResponseDeadline <= 0 {
		cfg.ResponseDeadline = DefaultResponseDeadline
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return &Peer{
		cfg:    cfg,
		log:    cfg.Logger.With("source", cfg.Name, "source_id", uint32(cfg.ID)),
		poll:   newPollState(cfg.MinPoll, cfg.MaxPoll, cfg.WindowSize),
		window: newSampleWindow(cfg.WindowSize),
		resets: make(chan struct{}, 1),
	}, nil
}

// ResetFilter discards the sample window and any outstanding request.
// The daemon calls it after stepping the clock, when old measurements
// no longer describe the running clock. Safe from any goroutine.
func (p *Peer) ResetFilter() {
	select {
	case p.resets <- struct{}{}:
	default:
	}
}

// Run polls the source until the context is cancelled. It returns the
// context error on cancellation and a transport error if the
// connection fails permanently.
func (p *Peer) Run(ctx context.Context) error {
	datagrams := make(chan transport.Datagram)
	readErr := make(chan error, 1)
	go func() {
		for {
			datagram, err := p.cfg.Conn.Receive(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case datagrams <- datagram:
			case <-ctx.Done():
				return
			}
		}
	}()

	// First poll fires immediately; the deadline timer is armed only
	// while a request is outstanding.
	pollTimer := p.cfg.Clock.NewTimer(0)
	defer pollTimer.Stop()
	deadline := p.cfg.Clock.NewTimer(time.Hour)
	deadline.Stop()
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
				return ctx.Err()
			}
			return fmt.Errorf("peer %s: receive: %w", p.cfg.Name, err)

		case <-p.resets:
			p.window.reset()
			p.hasStat = false
			p.lastRequest = 0
			deadline.Stop()
			if p.state == StateAwaitingResponse {
				p.state = StateInit
			}
			p.log.Info("filter reset")
			p.publish(ctx, false)

		case <-pollTimer.C:
			if p.state == StateDemobilized {
				continue
			}
			p.sendPoll(ctx, deadline)
			pollTimer.Reset(p.poll.interval())

		case <-deadline.C:
			if p.state != StateAwaitingResponse {
				continue
			}
			p.state = StateTimedOut
			p.lastRequest = 0
			p.poll.registerMiss()
			p.log.Debug("poll timed out", "reach", p.poll.reach)
			p.publish(ctx, false)

		case datagram := <-datagrams:
			if p.handleDatagram(ctx, datagram) {
				deadline.Stop()
			}
		}
	}
}

// sendPoll emits one request. A still-outstanding previous request is
// counted as missed first.
func (p *Peer) sendPoll(ctx context.Context, deadline *clock.Timer) {
	if p.state == StateAwaitingResponse {
		p.poll.registerMiss()
		p.state = StateTimedOut
	}

	transmit := p.cfg.System.ReadTime()
	payload := wire.NewRequest(transmit, p.poll.exponent).Encode()
	if p.cfg.Gate.Required() {
		signed, err := p.cfg.Gate.Sign(payload, p.cfg.KeyID)
		if err != nil {
			p.log.Error("signing request", "error", err)
			p.poll.registerMiss()
			p.publish(ctx, false)
			return
		}
		payload = signed
	}

	if err := p.cfg.Conn.Send(ctx, payload); err != nil {
		p.log.Debug("sending request", "error", err)
		p.state = StateTimedOut
		p.poll.registerMiss()
		p.publish(ctx, false)
		return
	}
	p.lastRequest = transmit
	p.state = StateAwaitingResponse
	deadline.Reset(p.cfg.ResponseDeadline)
}

// handleDatagram validates one received datagram against the
// outstanding request. It reports whether the exchange concluded, so
// the caller can disarm the deadline timer.
func (p *Peer) handleDatagram(ctx context.Context, datagram transport.Datagram) bool {
	payload := datagram.Payload
	if p.cfg.Gate.Required() {
		verified, err := p.cfg.Gate.Verify(payload)
		if err != nil {
			// Counts as a missed poll: an attacker must not keep a
			// source reachable with unauthenticated traffic.
			p.log.Debug("authentication failed", "error", err)
			p.state = StateRejected
			p.lastRequest = 0
			p.poll.registerMiss()
			p.publish(ctx, false)
			return true
		}
		payload = verified
	}

	packet, err := wire.Decode(payload)
	if err != nil {
		p.log.Debug("malformed packet", "error", err)
		return false
	}
	if p.state != StateAwaitingResponse || packet.OriginTime != p.lastRequest {
		// Stale, duplicate, or unsolicited; the outstanding request,
		// if any, stays armed.
		p.log.Debug("unmatched response", "origin", packet.OriginTime)
		return false
	}
	if packet.Mode != wire.ModeServer {
		p.log.Debug("unexpected mode", "mode", uint8(packet.Mode))
		return false
	}

	p.lastRequest = 0

	if packet.IsKissOfDeath() {
		p.handleKiss(ctx, packet.ReferenceID)
		return true
	}
	if packet.TransmitTime.IsZero() || packet.ReceiveTime.IsZero() {
		p.reject(ctx, "zero server timestamp")
		return true
	}

	sample := newSample(packet.OriginTime, packet, datagram.Received)
	if sample.Delay < 0 || sample.Delay > p.cfg.MaxDelay {
		p.reject(ctx, "delay out of range", "delay", sample.Delay)
		return true
	}

	p.accept(ctx, sample)
	return true
}

func (p *Peer) handleKiss(ctx context.Context, code wire.ReferenceID) {
	switch code {
	case wire.KissRate:
		p.log.Info("rate-limiting kiss, backing off")
		p.state = StateRejected
		p.poll.forceSlower()
		p.poll.registerMiss()
	case wire.KissDeny, wire.KissRstr:
		p.log.Warn("access-denial kiss, demobilizing source", "code", code.String())
		p.state = StateDemobilized
		p.poll.registerMiss()
	default:
		p.log.Debug("unrecognized kiss code", "code", code.String())
		p.state = StateRejected
		p.poll.registerMiss()
	}
	p.publish(ctx, false)
}

func (p *Peer) reject(ctx context.Context, reason string, attrs ...any) {
	p.log.Debug("response rejected: "+reason, attrs...)
	p.state = StateRejected
	p.poll.registerMiss()
	p.publish(ctx, false)
}

func (p *Peer) accept(ctx context.Context, sample Sample) {
	p.window.insert(sample)
	stat, ok := p.window.stat(sample.Destination)
	if !ok {
		return
	}
	p.stat = stat
	p.hasStat = true
	p.state = StateValid

	calm := stat.Jitter == 0 || stat.Offset.Abs() < calmGate*stat.Jitter
	p.poll.registerSuccess(calm)

	p.log.Debug("sample accepted",
		"offset", stat.Offset,
		"delay", stat.Delay,
		"jitter", stat.Jitter,
		"reach", p.poll.reach,
	)
	p.publish(ctx, true)
}

// publish delivers the current snapshot to the daemon. It blocks until
// the daemon accepts it or the context ends; the channel is buffered
// by the daemon so a single slow round never wedges the source.
func (p *Peer) publish(ctx context.Context, fresh bool) {
	measurement := Measurement{
		Source: p.cfg.ID,
		Epoch:  p.cfg.Epoch,
		Fresh:  fresh,
		Status: Status{
			State:        p.state,
			Reach:        p.poll.reach,
			PollExponent: p.poll.exponent,
			PollInterval: p.poll.interval(),
			Stat:         p.stat,
			HasStat:      p.hasStat,
		},
	}
	select {
	case p.cfg.Measurements <- measurement:
	case <-ctx.Done():
	}
}
