// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the fixed 48-byte protocol header exchanged
// with time sources. All multi-byte fields are network byte order.
// Trailing bytes after the header (extension fields and MAC) are
// carried opaquely; the authentication gate consumes them before the
// engine sees the packet.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// HeaderLength is the fixed header size. Shorter datagrams are
// malformed and dropped.
const HeaderLength = 48

// ErrPacketTooShort is returned by Decode for datagrams below the
// fixed header length.
var ErrPacketTooShort = errors.New("wire: packet shorter than 48-byte header")

// Leap is the two-bit leap indicator.
type Leap uint8

const (
	// LeapNoWarning indicates no impending leap second.
	LeapNoWarning Leap = 0
	// LeapAddSecond warns that the last minute of the day has 61 seconds.
	LeapAddSecond Leap = 1
	// LeapSubSecond warns that the last minute of the day has 59 seconds.
	LeapSubSecond Leap = 2
	// LeapUnknown marks an unsynchronized source. Sources reporting it
	// are still usable for measurement but cannot set system leap state.
	LeapUnknown Leap = 3
)

// IsSynchronized reports whether the leap indicator comes from a
// synchronized source.
func (l Leap) IsSynchronized() bool { return l != LeapUnknown }

func (l Leap) String() string {
	switch l {
	case LeapNoWarning:
		return "none"
	case LeapAddSecond:
		return "add-second"
	case LeapSubSecond:
		return "sub-second"
	default:
		return "unknown"
	}
}

// Mode is the three-bit association mode.
type Mode uint8

const (
	ModeReserved  Mode = 0
	ModeActive    Mode = 1
	ModePassive   Mode = 2
	ModeClient    Mode = 3
	ModeServer    Mode = 4
	ModeBroadcast Mode = 5
	ModeControl   Mode = 6
	ModePrivate   Mode = 7
)

// Version is the protocol version this implementation speaks.
const Version = 4

// ReferenceID identifies a source's reference clock. For stratum-0
// packets it carries a four-character kiss code instead.
type ReferenceID uint32

// Kiss codes relevant to a client: rate limiting and access denial.
var (
	KissRate = ReferenceID(binary.BigEndian.Uint32([]byte("RATE")))
	KissDeny = ReferenceID(binary.BigEndian.Uint32([]byte("DENY")))
	KissRstr = ReferenceID(binary.BigEndian.Uint32([]byte("RSTR")))
)

func (r ReferenceID) String() string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(r))
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("%08x", uint32(r))
		}
	}
	return string(b[:])
}

// Packet is a decoded protocol header plus any opaque trailing bytes.
type Packet struct {
	Leap      Leap
	Mode      Mode
	Stratum   uint8
	Poll      int8
	Precision int8

	RootDelay      ntptime.Short
	RootDispersion ntptime.Short
	ReferenceID    ReferenceID

	ReferenceTime ntptime.Time
	OriginTime    ntptime.Time
	ReceiveTime   ntptime.Time
	TransmitTime  ntptime.Time

	// Extra holds bytes after the 48-byte header: extension fields and
	// MAC, opaque to the engine.
	Extra []byte
}

// IsKissOfDeath reports whether this is a stratum-0 kiss packet.
func (p Packet) IsKissOfDeath() bool { return p.Stratum == 0 }

// Encode serializes the header. Extra bytes are not included; the
// authentication layer appends the MAC after encoding.
func (p Packet) Encode() []byte {
	buf := make([]byte, HeaderLength)
	buf[0] = byte(p.Leap)<<6 | Version<<3 | byte(p.Mode)
	buf[1] = p.Stratum
	buf[2] = byte(p.Poll)
	buf[3] = byte(p.Precision)
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.RootDelay))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.RootDispersion))
	binary.BigEndian.PutUint32(buf[12:16], uint32(p.ReferenceID))
	binary.BigEndian.PutUint64(buf[16:24], uint64(p.ReferenceTime))
	binary.BigEndian.PutUint64(buf[24:32], uint64(p.OriginTime))
	binary.BigEndian.PutUint64(buf[32:40], uint64(p.ReceiveTime))
	binary.BigEndian.PutUint64(buf[40:48], uint64(p.TransmitTime))
	return buf
}

// Decode parses a received datagram. Bytes beyond the header are
// preserved in Extra. Returns ErrPacketTooShort for runt datagrams.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderLength {
		return Packet{}, fmt.Errorf("%w: got %d bytes", ErrPacketTooShort, len(buf))
	}
	p := Packet{
		Leap:           Leap(buf[0] >> 6),
		Mode:           Mode(buf[0] & 0x07),
		Stratum:        buf[1],
		Poll:           int8(buf[2]),
		Precision:      int8(buf[3]),
		RootDelay:      ntptime.Short(binary.BigEndian.Uint32(buf[4:8])),
		RootDispersion: ntptime.Short(binary.BigEndian.Uint32(buf[8:12])),
		ReferenceID:    ReferenceID(binary.BigEndian.Uint32(buf[12:16])),
		ReferenceTime:  ntptime.Time(binary.BigEndian.Uint64(buf[16:24])),
		OriginTime:     ntptime.Time(binary.BigEndian.Uint64(buf[24:32])),
		ReceiveTime:    ntptime.Time(binary.BigEndian.Uint64(buf[32:40])),
		TransmitTime:   ntptime.Time(binary.BigEndian.Uint64(buf[40:48])),
	}
	if len(buf) > HeaderLength {
		p.Extra = append([]byte(nil), buf[HeaderLength:]...)
	}
	return p, nil
}

// DecodeVersion extracts the protocol version from a raw datagram
// without decoding the full header. Used for diagnostics on drops.
func DecodeVersion(buf []byte) (uint8, error) {
	if len(buf) < 1 {
		return 0, ErrPacketTooShort
	}
	return (buf[0] >> 3) & 0x07, nil
}

// NewRequest builds a client poll request. transmit is the locally
// generated transmit timestamp the response must echo in its origin
// field.
func NewRequest(transmit ntptime.Time, pollExponent int8) Packet {
	return Packet{
		Leap:         LeapUnknown,
		Mode:         ModeClient,
		Poll:         pollExponent,
		TransmitTime: transmit,
	}
}
