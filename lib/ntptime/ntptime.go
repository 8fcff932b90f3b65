// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package ntptime provides the fixed-point time representations used on
// the wire: the 64-bit NTP timestamp (32 integer bits of seconds since
// the 1900 era, 32 fractional bits) and the signed 64-bit duration in
// the same scale. All engine arithmetic on timestamps happens in these
// types; conversion to time.Time and time.Duration occurs only at the
// boundaries (transport receive timestamps, log output).
package ntptime

import (
	"fmt"
	"math"
	"time"
)

// eraOffset is the number of seconds between the NTP era origin
// (1900-01-01) and the Unix epoch (1970-01-01): 70 years, 17 of them
// leap years.
const eraOffset = (70*365 + 17) * 86400

// fracScale is the value of one second in the 32-bit fractional field.
const fracScale = 1 << 32

// Time is a 64-bit NTP timestamp: seconds since the NTP era in the
// upper 32 bits, binary fraction of a second in the lower 32 bits.
// The zero value is the conventional "unknown" timestamp.
type Time uint64

// FromTime converts a wall-clock time to an NTP timestamp.
func FromTime(t time.Time) Time {
	seconds := uint64(t.Unix()) + eraOffset
	fraction := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Time(seconds<<32 | fraction)
}

// FromUnixNano converts nanoseconds since the Unix epoch to an NTP
// timestamp.
func FromUnixNano(nanoseconds int64) Time {
	return FromTime(time.Unix(0, nanoseconds))
}

// Time converts the timestamp back to a wall-clock time. The 32-bit
// seconds field is interpreted in the current era.
func (t Time) Time() time.Time {
	seconds := int64(t>>32) - eraOffset
	nanoseconds := (int64(t&0xffffffff) * int64(time.Second)) >> 32
	return time.Unix(seconds, nanoseconds)
}

// Seconds returns the timestamp as seconds since the NTP era.
func (t Time) Seconds() float64 {
	return float64(t) / fracScale
}

// IsZero reports whether the timestamp is the zero ("unknown") value.
func (t Time) IsZero() bool { return t == 0 }

// Add returns the timestamp shifted by d. Negative durations move the
// timestamp backward.
func (t Time) Add(d Duration) Time {
	// Two's-complement wrapping addition handles both signs.
	return Time(uint64(t) + uint64(d))
}

// Sub returns the duration t - other. The result is exact as long as
// the two timestamps are within 68 years of each other, which the
// protocol guarantees for any sane exchange.
func (t Time) Sub(other Time) Duration {
	return Duration(int64(uint64(t) - uint64(other)))
}

func (t Time) String() string {
	return fmt.Sprintf("%.9f", t.Seconds())
}

// Duration is a signed time difference in the 32.32 fixed-point scale
// of Time: the value 1<<32 is exactly one second.
type Duration int64

// Common durations.
const (
	Second Duration = fracScale

	// MaxDispersion is the dispersion assigned to unknown or aged-out
	// samples: 16 seconds, the protocol's conventional "infinity".
	MaxDispersion Duration = 16 * Second
)

// DurationFromSeconds converts a floating-point second count.
func DurationFromSeconds(seconds float64) Duration {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return 0
	}
	return Duration(seconds * fracScale)
}

// DurationFrom converts a time.Duration.
func DurationFrom(d time.Duration) Duration {
	return DurationFromSeconds(d.Seconds())
}

// Seconds returns the duration as floating-point seconds.
func (d Duration) Seconds() float64 {
	return float64(d) / fracScale
}

// GoDuration converts to a time.Duration, saturating at the
// time.Duration range limits.
func (d Duration) GoDuration() time.Duration {
	seconds := d.Seconds()
	if seconds > math.MaxInt64/float64(time.Second) {
		return math.MaxInt64
	}
	if seconds < math.MinInt64/float64(time.Second) {
		return math.MinInt64
	}
	return time.Duration(seconds * float64(time.Second))
}

// Abs returns the magnitude of the duration.
func (d Duration) Abs() Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (d Duration) String() string {
	return d.GoDuration().String()
}

// MultiplyPPM scales the duration by parts-per-million, used for
// frequency-tolerance dispersion growth (PHI * elapsed).
func (d Duration) MultiplyPPM(ppm int64) Duration {
	return Duration(int64(d) * ppm / 1_000_000)
}

// Short is the 32-bit short format (16.16 fixed point, unsigned) used
// for root delay and root dispersion in the packet header.
type Short uint32

// ShortFromDuration converts a duration to short format, clamping
// negative values to zero and saturating at the 16-bit second limit.
func ShortFromDuration(d Duration) Short {
	if d < 0 {
		return 0
	}
	shifted := uint64(d) >> 16
	if shifted > math.MaxUint32 {
		return math.MaxUint32
	}
	return Short(shifted)
}

// Duration converts the short format back to a Duration.
func (s Short) Duration() Duration {
	return Duration(uint64(s) << 16)
}

// Seconds returns the short value as floating-point seconds.
func (s Short) Seconds() float64 {
	return float64(s) / (1 << 16)
}
