// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"sort"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// endpoint is one edge of a candidate's correctness interval.
type endpoint struct {
	value  ntptime.Duration
	upper  bool
	source uint32
}

// Select partitions candidates into truechimers by the interval
// intersection procedure. Each candidate asserts the true offset lies
// in [offset - dispersion, offset + dispersion]; the procedure looks
// for the smallest overlap region covered by a majority of intervals,
// admitting progressively more falsetickers until a majority agrees.
// Candidates whose interval misses the agreed region are excluded.
//
// Zero or one candidates are trivially truechimers. The input must be
// sorted by source id; the output preserves that order.
func Select(candidates []Candidate, now ntptime.Time) []Candidate {
	if len(candidates) <= 1 {
		return candidates
	}

	endpoints := make([]endpoint, 0, 2*len(candidates))
	for _, c := range candidates {
		dispersion := c.Stat.DispersionAt(now)
		endpoints = append(endpoints,
			endpoint{value: c.Stat.Offset - dispersion, source: uint32(c.Source)},
			endpoint{value: c.Stat.Offset + dispersion, upper: true, source: uint32(c.Source)},
		)
	}
	// Lower edges sort before upper edges at the same value; equal
	// edges tie-break by source id for determinism.
	sort.Slice(endpoints, func(i, j int) bool {
		a, b := endpoints[i], endpoints[j]
		if a.value != b.value {
			return a.value < b.value
		}
		if a.upper != b.upper {
			return !a.upper
		}
		return a.source < b.source
	})

	total := len(candidates)
	for allowed := 0; 2*allowed < total; allowed++ {
		required := total - allowed
		low, ok := scanLow(endpoints, required)
		if !ok {
			continue
		}
		high, ok := scanHigh(endpoints, required)
		if !ok || low > high {
			continue
		}

		var truechimers []Candidate
		for _, c := range candidates {
			dispersion := c.Stat.DispersionAt(now)
			if c.Stat.Offset-dispersion <= high && c.Stat.Offset+dispersion >= low {
				truechimers = append(truechimers, c)
			}
		}
		return truechimers
	}
	return nil
}

// scanLow finds the lowest value covered by at least required
// intervals, sweeping endpoints upward.
func scanLow(endpoints []endpoint, required int) (ntptime.Duration, bool) {
	covered := 0
	for _, e := range endpoints {
		if e.upper {
			covered--
			continue
		}
		covered++
		if covered >= required {
			return e.value, true
		}
	}
	return 0, false
}

// scanHigh finds the highest covered value, sweeping downward.
func scanHigh(endpoints []endpoint, required int) (ntptime.Duration, bool) {
	covered := 0
	for i := len(endpoints) - 1; i >= 0; i-- {
		e := endpoints[i]
		if !e.upper {
			covered--
			continue
		}
		covered++
		if covered >= required {
			return e.value, true
		}
	}
	return 0, false
}
