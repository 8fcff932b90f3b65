// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package discipline

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridian-time/meridian/consensus"
	"github.com/meridian-time/meridian/lib/ntptime"
	"github.com/meridian-time/meridian/lib/sysclock"
	"github.com/meridian-time/meridian/lib/wire"
)

var testBase = ntptime.FromTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLoop(t *testing.T, adjust func(*Config)) (*Loop, *sysclock.FakeClock) {
	t.Helper()
	system := sysclock.NewFake(testBase, 0)
	cfg := Config{System: system, Logger: discardLogger()}
	if adjust != nil {
		adjust(&cfg)
	}
	loop, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return loop, system
}

func synced(offset ntptime.Duration) consensus.SystemStat {
	return consensus.SystemStat{
		Offset:       offset,
		Jitter:       ntptime.Second / 1000,
		Stratum:      2,
		Leap:         wire.LeapNoWarning,
		Synchronized: true,
	}
}

// settle drives a fresh loop through frequency acquisition into
// ModeSteady.
func settle(t *testing.T, loop *Loop, system *sysclock.FakeClock) {
	t.Helper()
	if _, err := loop.Update(synced(0), 16*time.Second); err != nil {
		t.Fatalf("anchor update: %v", err)
	}
	system.AdvanceReal(65 * time.Second)
	if _, err := loop.Update(synced(0), 16*time.Second); err != nil {
		t.Fatalf("acquire update: %v", err)
	}
	if got := loop.State().Mode; got != ModeSteady {
		t.Fatalf("mode after acquisition: got %v, want steady", got)
	}
}

func TestStepThresholdBoundary(t *testing.T) {
	t.Parallel()

	// Exactly at the threshold steps.
	loop, system := newLoop(t, nil)
	action, err := loop.Update(synced(DefaultStepThreshold), 16*time.Second)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !action.Stepped {
		t.Error("offset at threshold did not step")
	}
	if steps := system.Steps(); len(steps) != 1 || steps[0] != DefaultStepThreshold {
		t.Errorf("steps applied: %v", steps)
	}

	// One unit below slews.
	loop, system = newLoop(t, nil)
	action, err = loop.Update(synced(DefaultStepThreshold-1), 16*time.Second)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if action.Stepped {
		t.Error("offset below threshold stepped")
	}
	if len(system.Steps()) != 0 {
		t.Errorf("steps applied: %v", system.Steps())
	}
	if got := loop.State().Mode; got != ModeFrequencyAcquire {
		t.Errorf("mode: got %v, want frequency-acquire", got)
	}
}

func TestSpikeNeedsConfirmation(t *testing.T) {
	t.Parallel()

	loop, system := newLoop(t, nil)
	settle(t, loop, system)

	// First large offset only arms the spike mode.
	action, err := loop.Update(synced(ntptime.Second), 16*time.Second)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if action.Stepped || len(system.Steps()) != 0 {
		t.Fatal("single spike stepped the clock")
	}
	if got := loop.State().Mode; got != ModeSpike {
		t.Fatalf("mode: got %v, want spike", got)
	}

	// A confirming round steps and re-acquires frequency.
	action, err = loop.Update(synced(ntptime.Second), 16*time.Second)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !action.Stepped {
		t.Error("confirmed spike did not step")
	}
	if got := loop.State().Mode; got != ModeFrequencyAcquire {
		t.Errorf("mode after step: got %v, want frequency-acquire", got)
	}
}

func TestTransientSpikeResumesSteady(t *testing.T) {
	t.Parallel()

	loop, system := newLoop(t, nil)
	settle(t, loop, system)

	if _, err := loop.Update(synced(ntptime.Second), 16*time.Second); err != nil {
		t.Fatalf("spike update: %v", err)
	}
	if _, err := loop.Update(synced(ntptime.Second/1000), 16*time.Second); err != nil {
		t.Fatalf("recovery update: %v", err)
	}
	if got := loop.State().Mode; got != ModeSteady {
		t.Errorf("mode: got %v, want steady", got)
	}
	if len(system.Steps()) != 0 {
		t.Errorf("transient spike stepped the clock: %v", system.Steps())
	}
}

func TestFrequencyAcquisition(t *testing.T) {
	t.Parallel()

	loop, system := newLoop(t, nil)
	if _, err := loop.Update(synced(0), 16*time.Second); err != nil {
		t.Fatalf("anchor update: %v", err)
	}

	// Over 64 seconds the measured offset grows by 6.4 ms: the local
	// clock runs 100 ppm slow.
	system.AdvanceReal(64 * time.Second)
	drifted := ntptime.DurationFromSeconds(6.4e-3)
	if _, err := loop.Update(synced(drifted), 16*time.Second); err != nil {
		t.Fatalf("acquire update: %v", err)
	}

	state := loop.State()
	if state.Mode != ModeSteady {
		t.Fatalf("mode: got %v, want steady", state.Mode)
	}
	if math.Abs(state.FrequencyPPM-100) > 1 {
		t.Errorf("frequency: got %.2f ppm, want ~100", state.FrequencyPPM)
	}
	slews := system.Slews()
	if len(slews) == 0 || math.Abs(slews[len(slews)-1]-100) > 1 {
		t.Errorf("applied slews: %v, want final ~100 ppm", slews)
	}
}

func TestSteadySlewsTowardZero(t *testing.T) {
	t.Parallel()

	loop, system := newLoop(t, nil)
	settle(t, loop, system)

	system.AdvanceReal(16 * time.Second)
	action, err := loop.Update(synced(ntptime.Second/100), 16*time.Second)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if action.Stepped {
		t.Fatal("small offset stepped")
	}
	if action.SlewPPM <= 0 {
		t.Errorf("positive offset should speed the clock up, slew %.2f ppm", action.SlewPPM)
	}
}

func TestPanicAlarm(t *testing.T) {
	t.Parallel()

	loop, system := newLoop(t, nil)
	huge := synced(2000 * ntptime.Second)

	for round := 1; round <= 2; round++ {
		action, err := loop.Update(huge, 16*time.Second)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if action.Applied || action.Stepped {
			t.Fatalf("round %d applied a correction", round)
		}
	}
	if _, err := loop.Update(huge, 16*time.Second); !errors.Is(err, ErrOverrun) {
		t.Fatalf("third round: got %v, want ErrOverrun", err)
	}

	// The alarm is terminal: even a sane estimate is refused.
	if _, err := loop.Update(synced(0), 16*time.Second); !errors.Is(err, ErrOverrun) {
		t.Errorf("post-alarm update: got %v, want ErrOverrun", err)
	}
	if !loop.State().Alarmed {
		t.Error("snapshot does not report the alarm")
	}
	if len(system.Steps()) != 0 || len(system.Slews()) != 0 {
		t.Error("alarmed loop touched the clock")
	}
}

func TestInterruptedPanicRunResets(t *testing.T) {
	t.Parallel()

	loop, _ := newLoop(t, nil)
	huge := synced(2000 * ntptime.Second)
	if _, err := loop.Update(huge, 16*time.Second); err != nil {
		t.Fatalf("first huge: %v", err)
	}
	if _, err := loop.Update(synced(0), 16*time.Second); err != nil {
		t.Fatalf("sane round: %v", err)
	}
	// The counter restarted, so two more huge rounds do not alarm.
	if _, err := loop.Update(huge, 16*time.Second); err != nil {
		t.Fatalf("second huge: %v", err)
	}
	if _, err := loop.Update(huge, 16*time.Second); err != nil {
		t.Fatalf("third huge: %v", err)
	}
}

func TestDryRunNeverTouchesClock(t *testing.T) {
	t.Parallel()

	loop, system := newLoop(t, func(cfg *Config) { cfg.DryRun = true })

	if _, err := loop.Update(synced(ntptime.Second), 16*time.Second); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := loop.State().Mode; got != ModeFrequencyAcquire {
		t.Errorf("mode: got %v, want frequency-acquire", got)
	}
	if len(system.Steps()) != 0 || len(system.Slews()) != 0 {
		t.Error("dry-run loop touched the clock")
	}
}

func TestUnsynchronizedEstimateIgnored(t *testing.T) {
	t.Parallel()

	loop, system := newLoop(t, nil)
	action, err := loop.Update(consensus.SystemStat{}, 16*time.Second)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if action.Applied || action.Stepped {
		t.Error("unsynchronized estimate produced a correction")
	}
	if got := loop.State().Mode; got != ModeUnset {
		t.Errorf("mode: got %v, want unset", got)
	}
	if len(system.Steps()) != 0 || len(system.Slews()) != 0 {
		t.Error("unsynchronized estimate touched the clock")
	}
}

func TestFrequencyFilePersistence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "frequency.json")
	if err := saveFrequency(path, 42.5); err != nil {
		t.Fatalf("saveFrequency: %v", err)
	}

	loop, _ := newLoop(t, func(cfg *Config) { cfg.FrequencyPath = path })
	if got := loop.State().FrequencyPPM; got != 42.5 {
		t.Errorf("restored frequency: got %g, want 42.5", got)
	}

	if err := saveFrequency(path, -3.25); err != nil {
		t.Fatalf("saveFrequency: %v", err)
	}
	ppm, found, err := loadFrequency(path)
	if err != nil || !found {
		t.Fatalf("loadFrequency: %v found=%v", err, found)
	}
	if ppm != -3.25 {
		t.Errorf("loaded frequency: got %g", ppm)
	}

	// A missing file is not an error.
	_, found, err = loadFrequency(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || found {
		t.Errorf("missing file: err=%v found=%v", err, found)
	}
}

func TestFrequencyFileRejectsOutOfRange(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "frequency.json")
	if err := saveFrequency(path, 10_000); err != nil {
		t.Fatalf("saveFrequency: %v", err)
	}
	if _, _, err := loadFrequency(path); err == nil {
		t.Error("out-of-range frequency accepted")
	}
}
