// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package consensus turns the per-source filtered estimates into one
// system-wide estimate. It runs in three stages: selection partitions
// the sources into truechimers and falsetickers by interval
// intersection, clustering prunes statistical outliers among the
// truechimers, and combine aggregates the survivors into a SystemStat.
//
// Everything here is pure: the same candidates and instant always
// produce bit-identical results. Candidates are sorted by source id on
// entry so that floating-point accumulation order is deterministic.
package consensus

import (
	"sort"

	"github.com/meridian-time/meridian/lib/ntptime"
	"github.com/meridian-time/meridian/lib/wire"
	"github.com/meridian-time/meridian/peer"
)

// Candidate is one reachable source's snapshot entering the round.
type Candidate struct {
	Source peer.SourceID
	Stat   peer.FilteredStat
}

// SystemStat is the outcome of one synchronization round. When
// Synchronized is false the remaining fields are meaningless and the
// discipline loop must not act on them.
type SystemStat struct {
	Offset ntptime.Duration `json:"offset"`
	Jitter ntptime.Duration `json:"jitter"`

	Stratum      uint8     `json:"stratum"`
	Leap         wire.Leap `json:"leap"`
	Synchronized bool      `json:"synchronized"`
}

// Result carries the round outcome plus the per-stage partitions for
// status reporting.
type Result struct {
	System SystemStat

	// Truechimers are the sources whose intervals agreed; Survivors is
	// the subset remaining after clustering. Falsetickers were
	// excluded by selection.
	Truechimers  []peer.SourceID
	Survivors    []peer.SourceID
	Falsetickers []peer.SourceID
}

// Run executes selection, clustering, and combine over the candidates
// at the given instant. An empty candidate set, or one with no
// intersection majority, yields Synchronized == false.
func Run(candidates []Candidate, now ntptime.Time) Result {
	ordered := append([]Candidate(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Source < ordered[j].Source
	})

	truechimers := Select(ordered, now)
	var result Result
	for _, c := range truechimers {
		result.Truechimers = append(result.Truechimers, c.Source)
	}
	for _, c := range ordered {
		if !containsSource(result.Truechimers, c.Source) {
			result.Falsetickers = append(result.Falsetickers, c.Source)
		}
	}
	if len(truechimers) == 0 {
		return result
	}

	survivors := Cluster(truechimers, now)
	for _, c := range survivors {
		result.Survivors = append(result.Survivors, c.Source)
	}
	result.System = Combine(survivors, now)
	return result
}

func containsSource(ids []peer.SourceID, id peer.SourceID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
