// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"math"
	"sort"

	"github.com/meridian-time/meridian/lib/ntptime"
	"github.com/meridian-time/meridian/lib/wire"
)

// DefaultWindowSize is the number of recent samples the clock filter
// retains per source.
const DefaultWindowSize = 8

// FilteredStat is the clock filter's per-source estimate, recomputed
// from the sample window each time a sample is accepted. Offset and
// Delay come from the minimum-delay sample in the window; Jitter is
// the RMS deviation of the window's offsets from that sample's offset.
//
// RootDelay and RootDispersion are totals through this source: the
// source's reported root statistics plus this hop's own delay and
// dispersion.
type FilteredStat struct {
	Offset ntptime.Duration `json:"offset"`
	Delay  ntptime.Duration `json:"delay"`
	Jitter ntptime.Duration `json:"jitter"`

	// Dispersion is the error bound at Time. Use DispersionAt for the
	// aged value; it grows with time since Time.
	Dispersion ntptime.Duration `json:"dispersion"`

	RootDelay      ntptime.Duration `json:"root_delay"`
	RootDispersion ntptime.Duration `json:"root_dispersion"`

	Stratum uint8     `json:"stratum"`
	Leap    wire.Leap `json:"leap"`

	// Time is when the stat was computed, from the newest sample's
	// destination timestamp.
	Time ntptime.Time `json:"time"`
}

// DispersionAt returns the dispersion aged to the given instant.
// Dispersion never shrinks between refreshes.
func (s FilteredStat) DispersionAt(now ntptime.Time) ntptime.Duration {
	if now <= s.Time {
		return s.Dispersion
	}
	return s.Dispersion + now.Sub(s.Time).MultiplyPPM(phiPPM)
}

// RootDistance is the total error bound of this source's time relative
// to the primary reference, used as the selection interval half-width
// and the inverse combine weight.
func (s FilteredStat) RootDistance(now ntptime.Time) ntptime.Duration {
	aging := ntptime.Duration(0)
	if now > s.Time {
		aging = now.Sub(s.Time).MultiplyPPM(phiPPM)
	}
	return s.RootDelay/2 + s.RootDispersion + aging
}

// sampleWindow is a fixed-capacity ring buffer of the most recent
// samples for one source. The owning peer goroutine is its only
// writer.
type sampleWindow struct {
	samples []Sample
	next    int
	count   int
}

func newSampleWindow(size int) *sampleWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &sampleWindow{samples: make([]Sample, size)}
}

// insert adds a sample, evicting the oldest when full.
func (w *sampleWindow) insert(s Sample) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.count < len(w.samples) {
		w.count++
	}
}

func (w *sampleWindow) len() int { return w.count }

// full reports whether the window has wrapped at least once.
func (w *sampleWindow) full() bool { return w.count == len(w.samples) }

// reset discards all samples, used when the clock is stepped and old
// measurements no longer describe the current clock.
func (w *sampleWindow) reset() {
	w.next = 0
	w.count = 0
}

// at returns the i-th sample, newest first.
func (w *sampleWindow) at(i int) Sample {
	index := (w.next - 1 - i + 2*len(w.samples)) % len(w.samples)
	return w.samples[index]
}

// stat runs the clock filter over the window at the given instant.
// The representative sample is the one with minimum round-trip delay;
// minimum delay correlates with minimum measurement error, so its
// offset and delay become the estimate rather than any average. Ties
// go to the newer sample. Reports false when the window is empty.
func (w *sampleWindow) stat(now ntptime.Time) (FilteredStat, bool) {
	if w.count == 0 {
		return FilteredStat{}, false
	}

	selected := 0
	for i := 1; i < w.count; i++ {
		if w.at(i).Delay < w.at(selected).Delay {
			selected = i
		}
	}
	best := w.at(selected)

	// RMS deviation of the window's offsets from the selected offset.
	var sum float64
	for i := 0; i < w.count; i++ {
		if i == selected {
			continue
		}
		deviation := (w.at(i).Offset - best.Offset).Seconds()
		sum += deviation * deviation
	}
	jitter := ntptime.DurationFromSeconds(math.Sqrt(sum / float64(max(w.count-1, 1))))

	// Each sample contributes its aged dispersion, halved per rank in
	// delay order, so stale and high-delay samples count for less.
	order := make([]int, w.count)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return w.at(order[a]).Delay < w.at(order[b]).Delay
	})
	var dispersion ntptime.Duration
	for rank, i := range order {
		sample := w.at(i)
		aged := sample.Dispersion + now.Sub(sample.Destination).MultiplyPPM(phiPPM)
		dispersion += aged >> (rank + 1)
	}

	return FilteredStat{
		Offset:         best.Offset,
		Delay:          best.Delay,
		Jitter:         jitter,
		Dispersion:     dispersion,
		RootDelay:      best.RootDelay + best.Delay,
		RootDispersion: best.RootDispersion + dispersion + jitter,
		Stratum:        best.Stratum,
		Leap:           best.Leap,
		Time:           now,
	}, true
}
