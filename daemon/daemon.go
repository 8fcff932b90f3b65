// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package daemon orchestrates the synchronization engine: it owns the
// source table, fans per-source measurements into a single loop, runs
// consensus rounds on a fixed cadence, feeds the outcome to the clock
// discipline, and serves status snapshots on a Unix socket.
//
// Sources run as independent goroutines talking only through the
// measurement channel, so one unresponsive source never blocks
// another. The daemon goroutine is the sole writer of the source
// table; the status handler takes brief read locks to snapshot it.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridian-time/meridian/consensus"
	"github.com/meridian-time/meridian/discipline"
	"github.com/meridian-time/meridian/journal"
	"github.com/meridian-time/meridian/lib/auth"
	"github.com/meridian-time/meridian/lib/clock"
	"github.com/meridian-time/meridian/lib/config"
	"github.com/meridian-time/meridian/lib/statussock"
	"github.com/meridian-time/meridian/lib/sysclock"
	"github.com/meridian-time/meridian/peer"
	"github.com/meridian-time/meridian/transport"
)

// ErrNoSource is returned by RemoveSource for an unknown address.
var ErrNoSource = errors.New("daemon: no such source")

// measurementBuffer sizes the fan-in channel. Peers block on a full
// channel, so the buffer must absorb one snapshot from every plausible
// source plus slack for poll bursts.
const measurementBuffer = 64

// saveFrequencyEvery is the round cadence of frequency-file writes.
const saveFrequencyEvery = 64

// Options carries the daemon's collaborators. Config, Logger, Clock,
// and System are required.
type Options struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  clock.Clock
	System sysclock.SystemClock

	// Version is reported in status snapshots.
	Version string

	// Dial opens the transport for a source address. Nil defaults to
	// UDP; tests substitute in-memory pairs.
	Dial func(address string) (transport.PacketConn, error)
}

// source is one managed entry in the source table.
type source struct {
	id      peer.SourceID
	address string
	epoch   uint64

	peer   *peer.Peer
	cancel context.CancelFunc

	// status is the latest published snapshot; valid once seen.
	status peer.Status
	seen   bool
}

// Daemon is the orchestrator. Construct with New, then Run.
type Daemon struct {
	cfg    *config.Config
	log    *slog.Logger
	clk    clock.Clock
	system sysclock.SystemClock

	version string
	dial    func(address string) (transport.PacketConn, error)

	gate    *auth.Gate
	journal *journal.Journal
	loop    *discipline.Loop

	measurements chan peer.Measurement

	mu        sync.Mutex
	sources   map[peer.SourceID]*source
	byAddress map[string]peer.SourceID
	nextID    peer.SourceID
	nextEpoch uint64
	lastRound consensus.Result
	rounds    uint64
	alarmed   bool

	group sync.WaitGroup
}

// New validates the options and builds the daemon: authentication gate
// from the key file, journal when configured, and the discipline loop
// (dry-run when monitor_only is set).
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("daemon: logger is required")
	}
	if opts.Clock == nil {
		return nil, errors.New("daemon: scheduling clock is required")
	}
	if opts.System == nil {
		return nil, errors.New("daemon: system clock is required")
	}

	gate := auth.Open()
	if opts.Config.Auth.KeyFile != "" {
		loaded, err := auth.LoadKeys(opts.Config.Auth.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("daemon: loading auth keys: %w", err)
		}
		gate = loaded
	}

	var measurementJournal *journal.Journal
	if opts.Config.Journal.Path != "" {
		opened, err := journal.Open(journal.Config{
			Path:     opts.Config.Journal.Path,
			MaxBytes: opts.Config.Journal.MaxBytes,
		})
		if err != nil {
			return nil, fmt.Errorf("daemon: opening journal: %w", err)
		}
		measurementJournal = opened
	}

	loop, err := discipline.New(discipline.Config{
		System:         opts.System,
		Logger:         opts.Logger,
		StepThreshold:  opts.Config.Discipline.StepThreshold.NTP(),
		PanicThreshold: opts.Config.Discipline.PanicThreshold.NTP(),
		FrequencyPath:  opts.Config.Discipline.FrequencyFile,
		DryRun:         opts.Config.MonitorOnly,
	})
	if err != nil {
		return nil, err
	}

	dial := opts.Dial
	if dial == nil {
		dial = func(address string) (transport.PacketConn, error) {
			return transport.DialUDP(address)
		}
	}

	return &Daemon{
		cfg:          opts.Config,
		log:          opts.Logger.With("component", "daemon"),
		clk:          opts.Clock,
		system:       opts.System,
		version:      opts.Version,
		dial:         dial,
		gate:         gate,
		journal:      measurementJournal,
		loop:         loop,
		measurements: make(chan peer.Measurement, measurementBuffer),
		sources:      make(map[peer.SourceID]*source),
		byAddress:    make(map[string]peer.SourceID),
		nextID:       1,
		nextEpoch:    1,
	}, nil
}

// Run starts the configured sources, the status socket, and the round
// loop, and blocks until the context is cancelled. Shutdown drains the
// source goroutines, persists the frequency estimate, and closes the
// journal.
func (d *Daemon) Run(ctx context.Context) error {
	for _, src := range d.cfg.Sources {
		if _, err := d.AddSource(ctx, src); err != nil {
			return err
		}
	}

	server := statussock.NewServer(d.cfg.Status.SocketPath, d.log)
	server.Handle("status", func(context.Context) (any, error) {
		return d.Report(), nil
	})
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	ticker := d.clk.NewTicker(d.cfg.Engine.RoundInterval.Std())
	defer ticker.Stop()

	d.log.Info("daemon running",
		"sources", len(d.cfg.Sources),
		"round_interval", d.cfg.Engine.RoundInterval.Std(),
		"monitor_only", d.cfg.MonitorOnly,
	)

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(serveErr)

		case measurement := <-d.measurements:
			d.applyMeasurement(measurement)

		case <-ticker.C:
			d.runRound()
		}
	}
}

func (d *Daemon) shutdown(serveErr chan error) error {
	d.mu.Lock()
	for _, src := range d.sources {
		src.cancel()
	}
	d.mu.Unlock()
	d.group.Wait()

	if err := d.loop.SaveFrequency(); err != nil {
		d.log.Error("saving frequency estimate", "error", err)
	}
	if err := d.journal.Close(); err != nil {
		d.log.Error("closing journal", "error", err)
	}
	if err := <-serveErr; err != nil {
		d.log.Error("status server", "error", err)
	}
	d.log.Info("daemon stopped")
	return nil
}

// AddSource dials and starts polling a new source. The peer goroutine
// lives until the source is removed or the daemon's context ends.
func (d *Daemon) AddSource(ctx context.Context, cfg config.Source) (peer.SourceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.byAddress[cfg.Address]; exists {
		return 0, fmt.Errorf("daemon: source %s already configured", cfg.Address)
	}

	conn, err := d.dial(cfg.Address)
	if err != nil {
		return 0, fmt.Errorf("daemon: dialing %s: %w", cfg.Address, err)
	}

	id := d.nextID
	epoch := d.nextEpoch
	d.nextID++
	d.nextEpoch++

	poller, err := peer.New(peer.Config{
		ID:               id,
		Name:             cfg.Address,
		Epoch:            epoch,
		Conn:             conn,
		Clock:            d.clk,
		System:           d.system,
		Logger:           d.log,
		Gate:             d.gate,
		KeyID:            cfg.KeyID,
		MinPoll:          d.cfg.Poll.MinExponent,
		MaxPoll:          d.cfg.Poll.MaxExponent,
		WindowSize:       d.cfg.Engine.WindowSize,
		ResponseDeadline: d.cfg.Engine.ResponseDeadline.Std(),
		MaxDelay:         d.cfg.Engine.MaxDelay.NTP(),
		Measurements:     d.measurements,
	})
	if err != nil {
		conn.Close()
		return 0, err
	}

	sourceCtx, cancel := context.WithCancel(ctx)
	entry := &source{
		id:      id,
		address: cfg.Address,
		epoch:   epoch,
		peer:    poller,
		cancel:  cancel,
	}
	d.sources[id] = entry
	d.byAddress[cfg.Address] = id

	d.group.Add(1)
	go func() {
		defer d.group.Done()
		defer conn.Close()
		if err := poller.Run(sourceCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("source stopped", "source", cfg.Address, "error", err)
		}
	}()

	d.log.Info("source added", "source", cfg.Address, "id", uint32(id))
	return id, nil
}

// RemoveSource cancels a source's exchange and drops it from the
// table. A measurement already in flight from it is discarded by the
// epoch check.
func (d *Daemon) RemoveSource(address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, exists := d.byAddress[address]
	if !exists {
		return ErrNoSource
	}
	d.sources[id].cancel()
	delete(d.sources, id)
	delete(d.byAddress, address)
	d.log.Info("source removed", "source", address, "id", uint32(id))
	return nil
}

// applyMeasurement folds one peer snapshot into the source table.
// Snapshots from a removed or superseded source generation carry a
// stale epoch and are dropped.
func (d *Daemon) applyMeasurement(measurement peer.Measurement) {
	d.mu.Lock()
	src, exists := d.sources[measurement.Source]
	if !exists || src.epoch != measurement.Epoch {
		d.mu.Unlock()
		d.log.Debug("dropping stale measurement",
			"source_id", uint32(measurement.Source),
			"epoch", measurement.Epoch,
		)
		return
	}
	src.status = measurement.Status
	src.seen = true
	d.mu.Unlock()

	if measurement.Fresh {
		now := d.system.ReadTime()
		if err := d.journal.RecordSample(now, measurement.Source, measurement.Status.Stat); err != nil {
			d.log.Error("journaling sample", "error", err)
		}
	}
}

// runRound executes one synchronization round: candidate collection,
// consensus, discipline, and bookkeeping.
func (d *Daemon) runRound() {
	d.mu.Lock()
	var candidates []consensus.Candidate
	pollInterval := time.Duration(0)
	for _, src := range d.sources {
		if !src.seen || !src.status.HasStat || src.status.Reach == 0 {
			continue
		}
		candidates = append(candidates, consensus.Candidate{
			Source: src.id,
			Stat:   src.status.Stat,
		})
		if pollInterval == 0 || src.status.PollInterval < pollInterval {
			pollInterval = src.status.PollInterval
		}
	}
	d.mu.Unlock()

	now := d.system.ReadTime()
	result := consensus.Run(candidates, now)

	action, err := d.loop.Update(result.System, pollInterval)
	if err != nil {
		d.noteAlarm(err)
	}
	if action.Stepped {
		d.log.Warn("clock stepped, resetting sample windows", "step", action.Step)
		d.resetFilters()
	}

	d.mu.Lock()
	d.lastRound = result
	d.rounds++
	rounds := d.rounds
	d.mu.Unlock()

	if result.System.Synchronized {
		d.log.Debug("round complete",
			"offset", result.System.Offset,
			"jitter", result.System.Jitter,
			"survivors", len(result.Survivors),
			"falsetickers", len(result.Falsetickers),
		)
	} else {
		d.log.Debug("round without consensus", "candidates", len(candidates))
	}

	record := journal.RoundRecord{
		Kind:         journal.KindRound,
		Time:         now,
		System:       result.System,
		Survivors:    sourceIDs(result.Survivors),
		Falsetickers: sourceIDs(result.Falsetickers),
		Stepped:      action.Stepped,
		SlewPPM:      action.SlewPPM,
	}
	if err := d.journal.RecordRound(record); err != nil {
		d.log.Error("journaling round", "error", err)
	}

	if rounds%saveFrequencyEvery == 0 {
		if err := d.loop.SaveFrequency(); err != nil {
			d.log.Error("saving frequency estimate", "error", err)
		}
	}
}

// noteAlarm logs the discipline overrun once. The loop keeps returning
// ErrOverrun every round; the daemon keeps measuring and reporting.
func (d *Daemon) noteAlarm(err error) {
	d.mu.Lock()
	first := !d.alarmed
	d.alarmed = true
	d.mu.Unlock()
	if first {
		d.log.Error("discipline alarm, corrections suspended", "error", err)
	}
}

// resetFilters discards every source's sample window. Called after a
// step, when accumulated samples describe the pre-step clock.
func (d *Daemon) resetFilters() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, src := range d.sources {
		src.peer.ResetFilter()
	}
}

func sourceIDs(ids []peer.SourceID) []uint32 {
	if len(ids) == 0 {
		return nil
	}
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out
}
