// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package status defines the report types served on the status socket
// and rendered by the CLI. The same structs are encoded as CBOR on the
// socket and as JSON on the CLI surface, so every field carries both
// tags. Time quantities are plain float64 seconds to keep the report
// format independent of the engine's fixed-point representation.
package status

// Report is the full daemon status snapshot.
type Report struct {
	// Version is the daemon build version.
	Version string `cbor:"version" json:"version"`

	// UnixTime is the system clock reading when the snapshot was
	// taken, seconds since the Unix epoch.
	UnixTime float64 `cbor:"unix_time" json:"unix_time"`

	System     SystemReport     `cbor:"system" json:"system"`
	Discipline DisciplineReport `cbor:"discipline" json:"discipline"`
	Sources    []SourceReport   `cbor:"sources" json:"sources"`
}

// SystemReport is the outcome of the most recent synchronization
// round.
type SystemReport struct {
	Synchronized  bool    `cbor:"synchronized" json:"synchronized"`
	OffsetSeconds float64 `cbor:"offset_seconds" json:"offset_seconds"`
	JitterSeconds float64 `cbor:"jitter_seconds" json:"jitter_seconds"`
	Stratum       uint8   `cbor:"stratum" json:"stratum"`
	Leap          string  `cbor:"leap" json:"leap"`
}

// DisciplineReport is the clock discipline controller state.
type DisciplineReport struct {
	Mode              string  `cbor:"mode" json:"mode"`
	FrequencyPPM      float64 `cbor:"frequency_ppm" json:"frequency_ppm"`
	LastOffsetSeconds float64 `cbor:"last_offset_seconds" json:"last_offset_seconds"`
	Alarmed           bool    `cbor:"alarmed" json:"alarmed"`

	// MonitorOnly reports that corrections are computed but not
	// applied.
	MonitorOnly bool `cbor:"monitor_only,omitempty" json:"monitor_only,omitempty"`
}

// SourceReport is one configured source's protocol and filter state.
type SourceReport struct {
	ID      uint32 `cbor:"id" json:"id"`
	Address string `cbor:"address" json:"address"`
	State   string `cbor:"state" json:"state"`

	// Reach is the 8-bit reachability shift register; zero means the
	// source is unreachable.
	Reach               uint8   `cbor:"reach" json:"reach"`
	PollIntervalSeconds float64 `cbor:"poll_interval_seconds" json:"poll_interval_seconds"`

	// The filtered estimate; valid only when HasStat.
	HasStat           bool    `cbor:"has_stat" json:"has_stat"`
	OffsetSeconds     float64 `cbor:"offset_seconds" json:"offset_seconds"`
	DelaySeconds      float64 `cbor:"delay_seconds" json:"delay_seconds"`
	JitterSeconds     float64 `cbor:"jitter_seconds" json:"jitter_seconds"`
	DispersionSeconds float64 `cbor:"dispersion_seconds" json:"dispersion_seconds"`
	Stratum           uint8   `cbor:"stratum" json:"stratum"`
	Leap              string  `cbor:"leap" json:"leap"`

	// Round participation from the latest synchronization round.
	Truechimer bool `cbor:"truechimer" json:"truechimer"`
	Survivor   bool `cbor:"survivor" json:"survivor"`
}
