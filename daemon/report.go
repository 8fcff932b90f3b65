// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"sort"

	"github.com/meridian-time/meridian/lib/schema/status"
	"github.com/meridian-time/meridian/peer"
)

// Report snapshots the daemon for the status socket. Safe from any
// goroutine.
func (d *Daemon) Report() status.Report {
	disciplineState := d.loop.State()

	d.mu.Lock()
	defer d.mu.Unlock()

	report := status.Report{
		Version:  d.version,
		UnixTime: float64(d.system.ReadTime().Time().UnixNano()) / 1e9,
		System: status.SystemReport{
			Synchronized:  d.lastRound.System.Synchronized,
			OffsetSeconds: d.lastRound.System.Offset.Seconds(),
			JitterSeconds: d.lastRound.System.Jitter.Seconds(),
			Stratum:       d.lastRound.System.Stratum,
			Leap:          d.lastRound.System.Leap.String(),
		},
		Discipline: status.DisciplineReport{
			Mode:              disciplineState.Mode.String(),
			FrequencyPPM:      disciplineState.FrequencyPPM,
			LastOffsetSeconds: disciplineState.LastOffset.Seconds(),
			Alarmed:           disciplineState.Alarmed,
			MonitorOnly:       d.cfg.MonitorOnly,
		},
	}

	for _, src := range d.sources {
		entry := status.SourceReport{
			ID:         uint32(src.id),
			Address:    src.address,
			State:      src.status.State.String(),
			Reach:      src.status.Reach,
			Truechimer: containsID(d.lastRound.Truechimers, src.id),
			Survivor:   containsID(d.lastRound.Survivors, src.id),
		}
		if src.seen {
			entry.PollIntervalSeconds = src.status.PollInterval.Seconds()
		}
		if src.status.HasStat {
			stat := src.status.Stat
			entry.HasStat = true
			entry.OffsetSeconds = stat.Offset.Seconds()
			entry.DelaySeconds = stat.Delay.Seconds()
			entry.JitterSeconds = stat.Jitter.Seconds()
			entry.DispersionSeconds = stat.Dispersion.Seconds()
			entry.Stratum = stat.Stratum
			entry.Leap = stat.Leap.String()
		}
		report.Sources = append(report.Sources, entry)
	}
	sort.Slice(report.Sources, func(i, j int) bool {
		return report.Sources[i].ID < report.Sources[j].ID
	})
	return report
}

func containsID(ids []peer.SourceID, id peer.SourceID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
