// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"context"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridian-time/meridian/lib/clock"
	"github.com/meridian-time/meridian/lib/config"
	"github.com/meridian-time/meridian/lib/ntptime"
	"github.com/meridian-time/meridian/lib/schema/status"
	"github.com/meridian-time/meridian/lib/statussock"
	"github.com/meridian-time/meridian/lib/sysclock"
	"github.com/meridian-time/meridian/lib/testutil"
	"github.com/meridian-time/meridian/lib/wire"
	"github.com/meridian-time/meridian/peer"
	"github.com/meridian-time/meridian/transport"
)

const testTimeout = 5 * time.Second

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func millis(n int64) ntptime.Duration {
	return ntptime.Duration(n * int64(ntptime.Second) / 1000)
}

// testDaemon is a daemon over fake clocks and in-memory transports.
// Server-side endpoints are retained by address so tests can answer or
// ignore polls.
type testDaemon struct {
	daemon  *Daemon
	fake    *clock.FakeClock
	system  *sysclock.FakeClock
	servers map[string]*transport.MemoryConn
}

func newTestDaemon(t *testing.T, mutate func(*config.Config)) *testDaemon {
	t.Helper()

	wall := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.Fake(wall)
	system := sysclock.NewFake(ntptime.FromTime(wall), 0)

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	td := &testDaemon{
		fake:    fake,
		system:  system,
		servers: make(map[string]*transport.MemoryConn),
	}
	d, err := New(Options{
		Config:  cfg,
		Logger:  discardLogger(),
		Clock:   fake,
		System:  system,
		Version: "test",
		Dial: func(address string) (transport.PacketConn, error) {
			client, server := transport.MemoryPair(fake)
			td.servers[address] = server
			return client, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	td.daemon = d
	return td
}

// addSource registers a source and returns its id. The peer goroutine
// starts polling but stays dormant until the fake clock advances.
func (td *testDaemon) addSource(t *testing.T, ctx context.Context, address string) peer.SourceID {
	t.Helper()
	id, err := td.daemon.AddSource(ctx, config.Source{Address: address})
	if err != nil {
		t.Fatalf("AddSource(%s): %v", address, err)
	}
	return id
}

// setStatus injects a published snapshot for a source, as if its peer
// goroutine had delivered it.
func (td *testDaemon) setStatus(id peer.SourceID, stat peer.FilteredStat) {
	d := td.daemon
	d.mu.Lock()
	defer d.mu.Unlock()
	src := d.sources[id]
	src.seen = true
	src.status = peer.Status{
		State:        peer.StateValid,
		Reach:        1,
		PollExponent: 4,
		PollInterval: 16 * time.Second,
		Stat:         stat,
		HasStat:      true,
	}
}

// syncedStat builds a filtered estimate refreshed at the fake system
// clock's current reading.
func (td *testDaemon) syncedStat(offset ntptime.Duration) peer.FilteredStat {
	return peer.FilteredStat{
		Offset:         offset,
		Delay:          millis(20),
		Jitter:         millis(1) / 2,
		Dispersion:     millis(2),
		RootDelay:      millis(40),
		RootDispersion: millis(10),
		Stratum:        2,
		Leap:           wire.LeapNoWarning,
		Time:           td.system.ReadTime(),
	}
}

func sourceByAddress(t *testing.T, report status.Report, address string) status.SourceReport {
	t.Helper()
	for _, src := range report.Sources {
		if src.Address == address {
			return src
		}
	}
	t.Fatalf("source %s not in report", address)
	return status.SourceReport{}
}

func TestRoundExcludesFalseticker(t *testing.T) {
	t.Parallel()

	td := newTestDaemon(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := td.addSource(t, ctx, "a:123")
	b := td.addSource(t, ctx, "b:123")
	c := td.addSource(t, ctx, "c:123")
	f := td.addSource(t, ctx, "f:123")

	td.setStatus(a, td.syncedStat(millis(10)))
	td.setStatus(b, td.syncedStat(millis(11)))
	td.setStatus(c, td.syncedStat(millis(12)))
	td.setStatus(f, td.syncedStat(-millis(500)))

	td.daemon.runRound()

	report := td.daemon.Report()
	if !report.System.Synchronized {
		t.Fatal("round did not synchronize")
	}
	if offset := report.System.OffsetSeconds; offset < 0.009 || offset > 0.013 {
		t.Errorf("system offset %.6f s outside the truechimer band", offset)
	}
	if src := sourceByAddress(t, report, "f:123"); src.Truechimer || src.Survivor {
		t.Errorf("falseticker participates: %+v", src)
	}
	for _, address := range []string{"a:123", "b:123", "c:123"} {
		if src := sourceByAddress(t, report, address); !src.Truechimer {
			t.Errorf("source %s not a truechimer", address)
		}
	}
	if report.System.Stratum != 2 {
		t.Errorf("system stratum: got %d, want 2", report.System.Stratum)
	}
}

func TestRoundWithoutCandidates(t *testing.T) {
	t.Parallel()

	td := newTestDaemon(t, nil)
	td.daemon.runRound()

	report := td.daemon.Report()
	if report.System.Synchronized {
		t.Error("empty round reported synchronized")
	}
	if report.Discipline.Mode != "unset" {
		t.Errorf("discipline mode: got %q, want unset", report.Discipline.Mode)
	}
	if len(td.system.Steps()) != 0 || len(td.system.Slews()) != 0 {
		t.Error("empty round touched the clock")
	}
}

func TestStaleEpochMeasurementDropped(t *testing.T) {
	t.Parallel()

	td := newTestDaemon(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := td.addSource(t, ctx, "a:123")

	stale := peer.Measurement{
		Source: id,
		Epoch:  999,
		Fresh:  true,
		Status: peer.Status{State: peer.StateValid, HasStat: true},
	}
	td.daemon.applyMeasurement(stale)

	td.daemon.mu.Lock()
	seen := td.daemon.sources[id].seen
	td.daemon.mu.Unlock()
	if seen {
		t.Error("stale-epoch measurement was applied")
	}
}

func TestStepResetsSampleWindows(t *testing.T) {
	t.Parallel()

	td := newTestDaemon(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := td.addSource(t, ctx, "a:123")
	td.setStatus(id, td.syncedStat(-ntptime.Second/2)) // far past the step threshold

	td.daemon.runRound()

	steps := td.system.Steps()
	if len(steps) != 1 {
		t.Fatalf("steps: got %d, want 1", len(steps))
	}

	// The filter reset makes the peer publish a stat-less snapshot.
	m := testutil.RequireReceive(t, td.daemon.measurements, testTimeout, "waiting for reset notice")
	if m.Status.HasStat {
		t.Error("post-reset snapshot still carries a stat")
	}
	td.daemon.applyMeasurement(m)

	report := td.daemon.Report()
	if src := sourceByAddress(t, report, "a:123"); src.HasStat {
		t.Error("report still shows a filtered estimate after the step")
	}
}

func TestPanicAlarmKeepsReporting(t *testing.T) {
	t.Parallel()

	td := newTestDaemon(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := td.addSource(t, ctx, "a:123")

	for round := 0; round < 4; round++ {
		td.setStatus(id, td.syncedStat(2000*ntptime.Second))
		td.daemon.runRound()
	}

	report := td.daemon.Report()
	if !report.Discipline.Alarmed {
		t.Fatal("discipline alarm not reported")
	}
	if !report.System.Synchronized {
		t.Error("alarmed daemon stopped reporting round results")
	}
	if len(td.system.Steps()) != 0 || len(td.system.Slews()) != 0 {
		t.Error("alarmed discipline touched the clock")
	}
}

func TestAddRemoveSource(t *testing.T) {
	t.Parallel()

	td := newTestDaemon(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := td.daemon.AddSource(ctx, config.Source{Address: "a:123"}); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := td.daemon.AddSource(ctx, config.Source{Address: "a:123"}); err == nil {
		t.Error("duplicate AddSource succeeded")
	}
	if err := td.daemon.RemoveSource("a:123"); err != nil {
		t.Fatalf("RemoveSource: %v", err)
	}
	if err := td.daemon.RemoveSource("a:123"); err != ErrNoSource {
		t.Errorf("second RemoveSource: got %v, want ErrNoSource", err)
	}

	report := td.daemon.Report()
	if len(report.Sources) != 0 {
		t.Errorf("removed source still reported: %+v", report.Sources)
	}
}

func TestMonitorOnlyNeverTouchesClock(t *testing.T) {
	t.Parallel()

	td := newTestDaemon(t, func(cfg *config.Config) {
		cfg.MonitorOnly = true
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := td.addSource(t, ctx, "a:123")
	td.setStatus(id, td.syncedStat(millis(10)))

	td.daemon.runRound()

	if len(td.system.Steps()) != 0 || len(td.system.Slews()) != 0 {
		t.Error("monitor-only round touched the clock")
	}
	report := td.daemon.Report()
	if !report.Discipline.MonitorOnly {
		t.Error("monitor_only not reported")
	}
	if !report.System.Synchronized {
		t.Error("monitor-only round did not synchronize")
	}
}

// TestEndToEndSynchronization drives the full daemon: four sources on
// in-memory transports, three agreeing within a few milliseconds and
// one half a second out, answered by real packet exchanges. After one
// round the daemon must synchronize to the majority and expose the
// outcome on the status socket.
func TestEndToEndSynchronization(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(testutil.SocketDir(t), "status.sock")
	offsets := map[string]ntptime.Duration{
		"a:123": millis(10),
		"b:123": millis(10),
		"c:123": millis(10),
		"f:123": -millis(500),
	}

	wall := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fake := clock.Fake(wall)
	system := sysclock.NewFake(ntptime.FromTime(wall), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Status.SocketPath = socketPath
	for address := range offsets {
		cfg.Sources = append(cfg.Sources, config.Source{Address: address})
	}

	d, err := New(Options{
		Config:  cfg,
		Logger:  discardLogger(),
		Clock:   fake,
		System:  system,
		Version: "test",
		Dial: func(address string) (transport.PacketConn, error) {
			client, server := transport.MemoryPair(fake)
			offset := offsets[address]
			go func() {
				for {
					datagram, err := server.Receive(ctx)
					if err != nil {
						return
					}
					request, err := wire.Decode(datagram.Payload)
					if err != nil {
						continue
					}
					serverTime := request.TransmitTime.Add(offset)
					response := wire.Packet{
						Leap:           wire.LeapNoWarning,
						Mode:           wire.ModeServer,
						Stratum:        2,
						OriginTime:     request.TransmitTime,
						ReceiveTime:    serverTime,
						TransmitTime:   serverTime,
						RootDelay:      ntptime.ShortFromDuration(millis(20)),
						RootDispersion: ntptime.ShortFromDuration(millis(5)),
					}
					server.Send(ctx, response.Encode())
				}
			}()
			return client, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, done, testTimeout, "waiting for Run to exit")
	})

	// First polls go out immediately; wait until every source has a
	// filtered estimate, then advance to the first round.
	waitFor(t, func() bool {
		report := d.Report()
		if len(report.Sources) != len(offsets) {
			return false
		}
		for _, src := range report.Sources {
			if !src.HasStat {
				return false
			}
		}
		return true
	}, "waiting for all sources to produce estimates")

	system.AdvanceReal(cfg.Engine.RoundInterval.Std())
	fake.Advance(cfg.Engine.RoundInterval.Std())

	waitFor(t, func() bool {
		return d.Report().System.Synchronized
	}, "waiting for a synchronized round")

	// Read the outcome through the status socket, exercising the full
	// CBOR round trip.
	var report status.Report
	client := statussock.NewClient(socketPath)
	if err := client.Call(ctx, "status", &report); err != nil {
		t.Fatalf("status call: %v", err)
	}

	if math.Abs(report.System.OffsetSeconds-0.010) > 1e-5 {
		t.Errorf("system offset %.6f s, want ~0.010", report.System.OffsetSeconds)
	}
	if src := sourceByAddress(t, report, "f:123"); src.Truechimer {
		t.Error("falseticker selected as truechimer")
	}
	for _, address := range []string{"a:123", "b:123", "c:123"} {
		if src := sourceByAddress(t, report, address); !src.Truechimer {
			t.Errorf("source %s not a truechimer", address)
		}
	}
	if report.Discipline.Mode != "frequency-acquire" {
		t.Errorf("discipline mode: got %q, want frequency-acquire", report.Discipline.Mode)
	}
	if report.Version != "test" {
		t.Errorf("version: got %q", report.Version)
	}
}

// waitFor polls condition in real time until it holds or the test
// deadline passes. The daemon applies measurements asynchronously, so
// tests wait on observable state instead of sleeping.
func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", message)
		}
		time.Sleep(time.Millisecond)
	}
}
