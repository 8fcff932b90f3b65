// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/meridian-time/meridian/lib/ntptime"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	original := Packet{
		Leap:           LeapNoWarning,
		Mode:           ModeServer,
		Stratum:        2,
		Poll:           6,
		Precision:      -20,
		RootDelay:      ntptime.ShortFromDuration(ntptime.DurationFromSeconds(0.015)),
		RootDispersion: ntptime.ShortFromDuration(ntptime.DurationFromSeconds(0.002)),
		ReferenceID:    0x0a000001,
		ReferenceTime:  ntptime.Time(0x1234567890abcdef),
		OriginTime:     ntptime.Time(0x1111111122222222),
		ReceiveTime:    ntptime.Time(0x3333333344444444),
		TransmitTime:   ntptime.Time(0x5555555566666666),
	}

	encoded := original.Encode()
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Encode(), encoded) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, original)
	}
	if decoded.Stratum != original.Stratum || decoded.TransmitTime != original.TransmitTime {
		t.Errorf("field mismatch: got %+v", decoded)
	}
}

func TestDecodeLeapAndMode(t *testing.T) {
	t.Parallel()
	// LI=3 (unknown), VN=4, Mode=3 (client) packed into the first byte.
	buf := make([]byte, HeaderLength)
	buf[0] = 3<<6 | 4<<3 | 3
	p, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Leap != LeapUnknown || p.Mode != ModeClient {
		t.Errorf("got leap=%v mode=%v, want unknown/client", p.Leap, p.Mode)
	}
	version, err := DecodeVersion(buf)
	if err != nil || version != 4 {
		t.Errorf("DecodeVersion: got %d, %v", version, err)
	}
}

func TestDecodeTooShort(t *testing.T) {
	t.Parallel()
	_, err := Decode(make([]byte, HeaderLength-1))
	if !errors.Is(err, ErrPacketTooShort) {
		t.Errorf("got %v, want ErrPacketTooShort", err)
	}
}

func TestDecodePreservesTrailingBytes(t *testing.T) {
	t.Parallel()
	mac := []byte{0xde, 0xad, 0xbe, 0xef}
	buf := append(make([]byte, HeaderLength), mac...)
	p, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(p.Extra, mac) {
		t.Errorf("Extra: got %x, want %x", p.Extra, mac)
	}
}

func TestKissCodes(t *testing.T) {
	t.Parallel()
	p := Packet{Stratum: 0, ReferenceID: KissRate}
	if !p.IsKissOfDeath() {
		t.Error("stratum 0 should be kiss-o'-death")
	}
	if KissRate.String() != "RATE" || KissDeny.String() != "DENY" || KissRstr.String() != "RSTR" {
		t.Errorf("kiss code strings: %v %v %v", KissRate, KissDeny, KissRstr)
	}
}

func TestNewRequest(t *testing.T) {
	t.Parallel()
	transmit := ntptime.Time(0xabcdef12_34567890)
	p := NewRequest(transmit, 6)
	if p.Mode != ModeClient || p.Leap != LeapUnknown {
		t.Errorf("request mode/leap: got %v/%v", p.Mode, p.Leap)
	}
	if p.TransmitTime != transmit {
		t.Errorf("transmit: got %v, want %v", p.TransmitTime, transmit)
	}
	if p.Poll != 6 {
		t.Errorf("poll: got %d, want 6", p.Poll)
	}

	// Encoding straight off the constructor return value must work.
	decoded, err := Decode(NewRequest(transmit, 6).Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Mode != ModeClient || decoded.TransmitTime != transmit {
		t.Errorf("encoded request: got %+v", decoded)
	}
}
