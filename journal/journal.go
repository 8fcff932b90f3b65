// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal records accepted samples and synchronization round
// outcomes for offline analysis. Records are CBOR-encoded and written
// through a zstd stream; files rotate by size, keeping one previous
// generation.
//
// The journal is optional. A nil *Journal is valid and records
// nothing, so callers need no conditionals.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/meridian-time/meridian/consensus"
	"github.com/meridian-time/meridian/lib/codec"
	"github.com/meridian-time/meridian/lib/ntptime"
	"github.com/meridian-time/meridian/peer"
)

// DefaultMaxBytes rotates the journal after roughly 16 MiB of
// compressed output.
const DefaultMaxBytes = 16 << 20

// Record kinds.
const (
	KindSample = "sample"
	KindRound  = "round"
)

// SampleRecord is written once per fresh measurement.
type SampleRecord struct {
	Kind   string            `cbor:"kind"`
	Time   ntptime.Time      `cbor:"time"`
	Source uint32            `cbor:"source"`
	Stat   peer.FilteredStat `cbor:"stat"`
}

// RoundRecord is written once per synchronization round.
type RoundRecord struct {
	Kind         string               `cbor:"kind"`
	Time         ntptime.Time         `cbor:"time"`
	System       consensus.SystemStat `cbor:"system"`
	Survivors    []uint32             `cbor:"survivors"`
	Falsetickers []uint32             `cbor:"falsetickers,omitempty"`
	Stepped      bool                 `cbor:"stepped,omitempty"`
	SlewPPM      float64              `cbor:"slew_ppm,omitempty"`
}

// Config names the journal file and its rotation bound.
type Config struct {
	Path     string
	MaxBytes int64
}

// Journal is a size-rotated, zstd-compressed record stream. Methods
// are safe for concurrent use; a nil Journal discards everything.
type Journal struct {
	mu       sync.Mutex
	path     string
	maxBytes int64

	file     *os.File
	compress *zstd.Encoder
	encoder  *codec.Encoder
	written  int64
	closed   bool
}

// Open creates or appends to the journal file.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal: path is required")
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	j := &Journal{path: cfg.Path, maxBytes: cfg.MaxBytes}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("inspecting journal: %w", err)
	}
	compress, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("starting journal compressor: %w", err)
	}
	j.file = file
	j.compress = compress
	j.encoder = codec.NewEncoder(compress)
	j.written = info.Size()
	return nil
}

// RecordSample appends one accepted-sample record.
func (j *Journal) RecordSample(now ntptime.Time, source peer.SourceID, stat peer.FilteredStat) error {
	if j == nil {
		return nil
	}
	return j.append(SampleRecord{
		Kind:   KindSample,
		Time:   now,
		Source: uint32(source),
		Stat:   stat,
	})
}

// RecordRound appends one round-outcome record.
func (j *Journal) RecordRound(record RoundRecord) error {
	if j == nil {
		return nil
	}
	record.Kind = KindRound
	return j.append(record)
}

func (j *Journal) append(record any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.New("journal: closed")
	}
	if err := j.encoder.Encode(record); err != nil {
		return fmt.Errorf("encoding journal record: %w", err)
	}
	// Flush per record so a crash loses at most the in-flight entry.
	if err := j.compress.Flush(); err != nil {
		return fmt.Errorf("flushing journal: %w", err)
	}
	offset, err := j.file.Seek(0, io.SeekEnd)
	if err == nil {
		j.written = offset
	}
	if j.written >= j.maxBytes {
		return j.rotate()
	}
	return nil
}

// rotate closes the current generation, renames it aside (replacing
// any previous generation), and starts fresh.
func (j *Journal) rotate() error {
	if err := j.closeCurrent(); err != nil {
		return err
	}
	if err := os.Rename(j.path, j.path+".1"); err != nil {
		return fmt.Errorf("rotating journal: %w", err)
	}
	return j.open()
}

func (j *Journal) closeCurrent() error {
	if err := j.compress.Close(); err != nil {
		j.file.Close()
		return fmt.Errorf("closing journal compressor: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal. A nil Journal closes cleanly.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.closeCurrent()
}
