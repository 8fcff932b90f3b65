// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package ntptime

import (
	"math"
	"testing"
	"time"
)

func TestTimeRoundTrip(t *testing.T) {
	t.Parallel()
	wall := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	converted := FromTime(wall).Time()

	// The 32-bit fraction quantizes to ~233 ps; nanosecond round trips
	// can be off by one.
	difference := wall.Sub(converted)
	if difference < -time.Nanosecond || difference > time.Nanosecond {
		t.Errorf("round trip drifted by %v", difference)
	}
}

func TestSubAndAdd(t *testing.T) {
	t.Parallel()
	base := FromTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	later := base.Add(DurationFromSeconds(1.5))

	if got := later.Sub(base).Seconds(); math.Abs(got-1.5) > 1e-9 {
		t.Errorf("Sub: got %v seconds, want 1.5", got)
	}
	if got := base.Sub(later).Seconds(); math.Abs(got+1.5) > 1e-9 {
		t.Errorf("negative Sub: got %v seconds, want -1.5", got)
	}
}

func TestDurationSeconds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		seconds float64
	}{
		{0}, {1}, {-1}, {0.001}, {-0.5}, {3600},
	}
	for _, c := range cases {
		d := DurationFromSeconds(c.seconds)
		if got := d.Seconds(); math.Abs(got-c.seconds) > 1e-9 {
			t.Errorf("DurationFromSeconds(%v).Seconds() = %v", c.seconds, got)
		}
	}
}

func TestDurationFromNonFinite(t *testing.T) {
	t.Parallel()
	if DurationFromSeconds(math.NaN()) != 0 {
		t.Error("NaN should convert to zero duration")
	}
	if DurationFromSeconds(math.Inf(1)) != 0 {
		t.Error("+Inf should convert to zero duration")
	}
}

func TestMultiplyPPM(t *testing.T) {
	t.Parallel()
	// 15 ppm of 1000 seconds is 15 ms.
	d := (1000 * Second).MultiplyPPM(15)
	if got := d.Seconds(); math.Abs(got-0.015) > 1e-9 {
		t.Errorf("MultiplyPPM: got %v, want 0.015", got)
	}
}

func TestShortFormat(t *testing.T) {
	t.Parallel()
	d := DurationFromSeconds(0.125)
	if got := ShortFromDuration(d).Duration(); got != d {
		t.Errorf("short round trip: got %v, want %v", got, d)
	}
	if ShortFromDuration(-Second) != 0 {
		t.Error("negative duration should clamp to zero")
	}
	if got := Short(1 << 16).Seconds(); got != 1.0 {
		t.Errorf("Short(1<<16).Seconds() = %v, want 1", got)
	}
}

func TestGoDuration(t *testing.T) {
	t.Parallel()
	d := DurationFromSeconds(2.5)
	if got := d.GoDuration(); got != 2500*time.Millisecond {
		t.Errorf("GoDuration: got %v, want 2.5s", got)
	}
}
