// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package discipline implements the loop filter: the feedback
// controller that converts each round's system estimate into phase and
// frequency corrections on the local clock. It is the only code in the
// daemon allowed to call the system clock's mutating primitives.
//
// The controller is a mode machine. It starts Unset, acquires an
// initial frequency estimate, then holds Steady with a
// proportional-integral update whose time constant stretches with
// measurement jitter. Offsets beyond the step threshold are corrected
// with a discontinuous step instead of a slew, confirmed through the
// Spike mode so a single network glitch cannot step the clock.
package discipline

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/meridian-time/meridian/consensus"
	"github.com/meridian-time/meridian/lib/ntptime"
	"github.com/meridian-time/meridian/lib/sysclock"
)

// Mode is the controller's operating mode.
type Mode uint8

const (
	// ModeUnset means no valid estimate has been consumed yet.
	ModeUnset Mode = iota
	// ModeFrequencyAcquire means the controller is measuring the
	// oscillator's intrinsic frequency error against an anchor point.
	ModeFrequencyAcquire
	// ModeSpike means the last offset exceeded the step threshold and
	// the controller is waiting for confirmation before stepping.
	ModeSpike
	// ModeSteady is normal proportional-integral operation.
	ModeSteady
)

func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case ModeFrequencyAcquire:
		return "frequency-acquire"
	case ModeSpike:
		return "spike"
	case ModeSteady:
		return "steady"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ErrOverrun is returned once corrections have exceeded the panic
// threshold repeatedly. The controller stops applying corrections for
// the rest of the process lifetime; only operator intervention (and a
// restart) clears it.
var ErrOverrun = errors.New("discipline: correction exceeded panic threshold repeatedly, refusing to steer the clock")

// Defaults for the numeric surface. All are configurable; these follow
// the conventional values of the reference algorithm family.
const (
	DefaultStepThreshold  = ntptime.Second / 8
	DefaultPanicThreshold = 1000 * ntptime.Second

	// DefaultAcquireSpan is how long the frequency anchor observes
	// drift before the estimate is committed.
	DefaultAcquireSpan = 64 * ntptime.Second
)

// panicRounds is how many consecutive over-panic offsets trip the
// alarm.
const panicRounds = 3

// maxSlewPPM matches the kernel's frequency correction range.
const maxSlewPPM = 500

// maxTimeConstant caps the PI time constant in seconds.
const maxTimeConstant = 2048

// Config carries the loop's collaborators and thresholds. System and
// Logger are required.
type Config struct {
	System sysclock.SystemClock
	Logger *slog.Logger

	StepThreshold  ntptime.Duration
	PanicThreshold ntptime.Duration
	AcquireSpan    ntptime.Duration

	// FrequencyPath, when set, persists the frequency estimate across
	// restarts.
	FrequencyPath string

	// DryRun computes corrections without applying them; the system
	// clock mutators are never called.
	DryRun bool
}

// Action reports what one Update did, for logging and the journal.
type Action struct {
	Mode    Mode
	Applied bool
	Stepped bool
	// Step is the applied step when Stepped; SlewPPM is the frequency
	// correction in effect after a slewing update.
	Step    ntptime.Duration
	SlewPPM float64
}

// Snapshot is the externally visible controller state.
type Snapshot struct {
	Mode         Mode             `json:"mode"`
	FrequencyPPM float64          `json:"frequency_ppm"`
	LastOffset   ntptime.Duration `json:"last_offset"`
	Alarmed      bool             `json:"alarmed"`
}

// Loop is the discipline loop. Update is called from the daemon's
// single synchronization goroutine; State may be read from any
// goroutine.
type Loop struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	mode         Mode
	frequencyPPM float64
	lastOffset   ntptime.Duration
	lastUpdate   ntptime.Time
	alarmed      bool

	// Frequency-acquire anchor.
	anchorTime   ntptime.Time
	anchorOffset ntptime.Duration

	spikeRounds int
	panicCount  int
}

// New builds the loop, restoring a persisted frequency estimate when
// FrequencyPath names an existing file.
func New(cfg Config) (*Loop, error) {
	if cfg.System == nil {
		return nil, errors.New("discipline: system clock is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("discipline: logger is required")
	}
	if cfg.StepThreshold <= 0 {
		cfg.StepThreshold = DefaultStepThreshold
	}
	if cfg.PanicThreshold <= 0 {
		cfg.PanicThreshold = DefaultPanicThreshold
	}
	if cfg.AcquireSpan <= 0 {
		cfg.AcquireSpan = DefaultAcquireSpan
	}
	loop := &Loop{cfg: cfg, log: cfg.Logger.With("component", "discipline")}

	if cfg.FrequencyPath != "" {
		ppm, found, err := loadFrequency(cfg.FrequencyPath)
		if err != nil {
			return nil, err
		}
		if found {
			loop.frequencyPPM = ppm
			loop.log.Info("restored frequency estimate", "ppm", ppm)
		}
	}
	return loop, nil
}

// State returns the current controller snapshot.
func (l *Loop) State() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Mode:         l.mode,
		FrequencyPPM: l.frequencyPPM,
		LastOffset:   l.lastOffset,
		Alarmed:      l.alarmed,
	}
}

// SaveFrequency persists the current frequency estimate when a path is
// configured. The daemon calls it periodically and at shutdown.
func (l *Loop) SaveFrequency() error {
	if l.cfg.FrequencyPath == "" {
		return nil
	}
	l.mu.Lock()
	ppm := l.frequencyPPM
	l.mu.Unlock()
	return saveFrequency(l.cfg.FrequencyPath, ppm)
}

// Update consumes one round's estimate. pollInterval is the shortest
// active poll interval, which scales the PI gains. Returns ErrOverrun
// once the panic alarm has tripped; every later call returns it again
// without touching the clock.
func (l *Loop) Update(stat consensus.SystemStat, pollInterval time.Duration) (Action, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.alarmed {
		return Action{Mode: l.mode}, ErrOverrun
	}
	if !stat.Synchronized {
		return Action{Mode: l.mode}, nil
	}

	now := l.cfg.System.ReadTime()
	offset := stat.Offset
	l.lastOffset = offset

	if offset.Abs() > l.cfg.PanicThreshold {
		l.panicCount++
		l.log.Error("offset beyond panic threshold",
			"offset", offset,
			"threshold", l.cfg.PanicThreshold,
			"count", l.panicCount,
		)
		if l.panicCount >= panicRounds {
			l.alarmed = true
			return Action{Mode: l.mode}, ErrOverrun
		}
		return Action{Mode: l.mode}, nil
	}
	l.panicCount = 0

	if offset.Abs() >= l.cfg.StepThreshold {
		return l.handleLargeOffset(offset, now), nil
	}

	l.spikeRounds = 0
	if l.mode == ModeSpike {
		// The spike was transient; resume normal operation.
		l.mode = ModeSteady
	}

	switch l.mode {
	case ModeUnset:
		l.mode = ModeFrequencyAcquire
		l.anchor(now, offset)
		l.slew(l.frequencyPPM)
		return Action{Mode: l.mode, Applied: !l.cfg.DryRun, SlewPPM: l.frequencyPPM}, nil

	case ModeFrequencyAcquire:
		if now.Sub(l.anchorTime) < l.cfg.AcquireSpan {
			return Action{Mode: l.mode}, nil
		}
		drift := (offset - l.anchorOffset).Seconds() / now.Sub(l.anchorTime).Seconds()
		l.frequencyPPM = clampPPM(l.frequencyPPM + drift*1e6)
		l.mode = ModeSteady
		l.lastUpdate = now
		l.slew(l.frequencyPPM)
		l.log.Info("frequency acquired", "ppm", l.frequencyPPM)
		return Action{Mode: l.mode, Applied: !l.cfg.DryRun, SlewPPM: l.frequencyPPM}, nil

	default: // ModeSteady
		applied := l.steadyUpdate(stat, now, pollInterval)
		return Action{Mode: l.mode, Applied: !l.cfg.DryRun, SlewPPM: applied}, nil
	}
}

// handleLargeOffset routes offsets beyond the step threshold. The
// first such estimate steps immediately; once running, a step needs a
// second confirming round so one delay spike cannot move the clock.
func (l *Loop) handleLargeOffset(offset ntptime.Duration, now ntptime.Time) Action {
	switch l.mode {
	case ModeUnset, ModeFrequencyAcquire:
		return l.step(offset, now)
	case ModeSteady:
		l.mode = ModeSpike
		l.spikeRounds = 1
		l.log.Warn("offset beyond step threshold, awaiting confirmation", "offset", offset)
		return Action{Mode: l.mode}
	default: // ModeSpike
		l.spikeRounds++
		if l.spikeRounds < 2 {
			return Action{Mode: l.mode}
		}
		return l.step(offset, now)
	}
}

// step applies a discontinuous correction and re-acquires frequency:
// the post-step phase is useless for gain updates, so the controller
// re-anchors instead of slewing against it.
func (l *Loop) step(offset ntptime.Duration, now ntptime.Time) Action {
	if !l.cfg.DryRun {
		if err := l.cfg.System.StepTime(offset); err != nil {
			l.log.Error("stepping clock", "error", err)
			return Action{Mode: l.mode}
		}
	}
	l.log.Warn("stepped clock", "offset", offset)
	l.mode = ModeFrequencyAcquire
	l.spikeRounds = 0
	l.anchor(now.Add(offset), 0)
	return Action{Mode: l.mode, Applied: !l.cfg.DryRun, Stepped: true, Step: offset}
}

// steadyUpdate runs the proportional-integral correction. The time
// constant is the poll interval stretched by the jitter-to-offset
// ratio: noisy estimates get smaller gains.
func (l *Loop) steadyUpdate(stat consensus.SystemStat, now ntptime.Time, pollInterval time.Duration) float64 {
	elapsed := now.Sub(l.lastUpdate).Seconds()
	poll := pollInterval.Seconds()
	if poll <= 0 {
		poll = 16
	}
	if elapsed <= 0 || elapsed > 4*poll {
		elapsed = poll
	}
	l.lastUpdate = now

	offset := stat.Offset.Seconds()
	timeConstant := poll
	if magnitude := math.Abs(offset); magnitude > 0 {
		timeConstant *= 1 + stat.Jitter.Seconds()/magnitude
	}
	timeConstant = math.Min(timeConstant, maxTimeConstant)

	// Integral term tracks the residual frequency error; the
	// proportional term works the phase off over about one time
	// constant.
	l.frequencyPPM = clampPPM(l.frequencyPPM + offset*elapsed/(timeConstant*timeConstant)*1e6)
	applied := clampPPM(l.frequencyPPM + offset/timeConstant*1e6)
	l.slew(applied)
	return applied
}

func (l *Loop) anchor(now ntptime.Time, offset ntptime.Duration) {
	l.anchorTime = now
	l.anchorOffset = offset
}

func (l *Loop) slew(ppm float64) {
	if l.cfg.DryRun {
		return
	}
	if err := l.cfg.System.SlewFrequency(ppm); err != nil {
		l.log.Error("slewing clock", "error", err)
	}
}

func clampPPM(ppm float64) float64 {
	return math.Max(-maxSlewPPM, math.Min(maxSlewPPM, ppm))
}
