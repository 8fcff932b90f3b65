// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package consensus

import (
	"math"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// minRootDistance floors the combine weight denominator so that a
// source claiming a perfect reference cannot dominate the average with
// an unbounded weight.
const minRootDistance = ntptime.Second >> 10

// clusterEpsilon is the jitter improvement below which clustering
// stops removing members, in seconds.
const clusterEpsilon = 1e-9

// weightOf is the inverse root distance, the shared weighting of
// clustering and combine.
func weightOf(c Candidate, now ntptime.Time) float64 {
	distance := c.Stat.RootDistance(now)
	if distance < minRootDistance {
		distance = minRootDistance
	}
	return 1 / distance.Seconds()
}

// weightedStats returns the weighted mean offset and weighted RMS
// spread of the candidates, in seconds.
func weightedStats(candidates []Candidate, now ntptime.Time) (mean, spread float64) {
	var weightSum, offsetSum float64
	for _, c := range candidates {
		w := weightOf(c, now)
		weightSum += w
		offsetSum += w * c.Stat.Offset.Seconds()
	}
	mean = offsetSum / weightSum

	var deviationSum float64
	for _, c := range candidates {
		w := weightOf(c, now)
		d := c.Stat.Offset.Seconds() - mean
		deviationSum += w * d * d
	}
	return mean, math.Sqrt(deviationSum / weightSum)
}

// Cluster iteratively removes the member contributing most to the
// set's combined jitter, as long as more than one member remains and
// the removal strictly reduces the jitter. Pruning stops once the
// worst member's deviation from the weighted mean is within the
// members' own measurement jitter: past that point the spread is
// noise, not an outlier, and removing more members only discards
// information. The input must be sorted by source id; order is
// preserved.
func Cluster(candidates []Candidate, now ntptime.Time) []Candidate {
	survivors := append([]Candidate(nil), candidates...)
	for len(survivors) > 1 {
		mean, jitter := weightedStats(survivors, now)
		noiseFloor := math.Inf(1)
		for _, c := range survivors {
			noiseFloor = math.Min(noiseFloor, c.Stat.Jitter.Seconds())
		}

		// The largest weighted distance from the mean marks the
		// candidate for removal; ties keep the earlier (lower id) one.
		worst := 0
		worstContribution := -1.0
		for i, c := range survivors {
			d := c.Stat.Offset.Seconds() - mean
			contribution := weightOf(c, now) * d * d
			if contribution > worstContribution {
				worst = i
				worstContribution = contribution
			}
		}
		if math.Abs(survivors[worst].Stat.Offset.Seconds()-mean) <= noiseFloor+clusterEpsilon {
			break
		}

		reduced := append([]Candidate(nil), survivors[:worst]...)
		reduced = append(reduced, survivors[worst+1:]...)
		if _, reducedJitter := weightedStats(reduced, now); reducedJitter >= jitter-clusterEpsilon {
			break
		}
		survivors = reduced
	}
	return survivors
}

// Combine aggregates the survivors into the system estimate: the
// weighted mean offset with the weighted RMS spread as jitter, and
// stratum/leap inherited from the lowest-distance survivor. The caller
// guarantees a non-empty survivor set.
func Combine(survivors []Candidate, now ntptime.Time) SystemStat {
	mean, spread := weightedStats(survivors, now)

	best := survivors[0]
	for _, c := range survivors[1:] {
		if c.Stat.RootDistance(now) < best.Stat.RootDistance(now) {
			best = c
		}
	}

	return SystemStat{
		Offset:       ntptime.DurationFromSeconds(mean),
		Jitter:       ntptime.DurationFromSeconds(spread),
		Stratum:      best.Stat.Stratum,
		Leap:         best.Stat.Leap,
		Synchronized: true,
	}
}
