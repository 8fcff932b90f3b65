// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeKeyFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	return path
}

const testKeys = `
keys:
  - id: 1
    algorithm: blake3
    secret: "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
  - id: 2
    algorithm: blake2b
    secret: "deadbeefcafe"
`

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	gate, err := LoadKeys(writeKeyFile(t, testKeys))
	if err != nil {
		t.Fatalf("LoadKeys: %v", err)
	}

	payload := []byte("forty-eight bytes of header, give or take")
	for _, keyID := range []uint32{1, 2} {
		signed, err := gate.Sign(payload, keyID)
		if err != nil {
			t.Fatalf("Sign(key %d): %v", keyID, err)
		}
		verified, err := gate.Verify(signed)
		if err != nil {
			t.Fatalf("Verify(key %d): %v", keyID, err)
		}
		if !bytes.Equal(verified, payload) {
			t.Errorf("key %d: stripped payload mismatch", keyID)
		}
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	t.Parallel()
	gate, err := LoadKeys(writeKeyFile(t, testKeys))
	if err != nil {
		t.Fatalf("LoadKeys: %v", err)
	}

	signed, err := gate.Sign([]byte("payload"), 1)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signed[0] ^= 0x01

	if _, err := gate.Verify(signed); !errors.Is(err, ErrBadMAC) {
		t.Errorf("tampered packet: got %v, want ErrBadMAC", err)
	}
}

func TestVerifyUnknownKey(t *testing.T) {
	t.Parallel()
	gate, err := LoadKeys(writeKeyFile(t, testKeys))
	if err != nil {
		t.Fatalf("LoadKeys: %v", err)
	}
	other, err := LoadKeys(writeKeyFile(t, strings.Replace(testKeys, "id: 1", "id: 7", 1)))
	if err != nil {
		t.Fatalf("LoadKeys: %v", err)
	}

	signed, err := other.Sign([]byte("payload"), 7)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := gate.Verify(signed); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("unknown key: got %v, want ErrUnknownKey", err)
	}
}

func TestVerifyMissingMAC(t *testing.T) {
	t.Parallel()
	gate, err := LoadKeys(writeKeyFile(t, testKeys))
	if err != nil {
		t.Fatalf("LoadKeys: %v", err)
	}
	if _, err := gate.Verify([]byte("too short")); !errors.Is(err, ErrMissingMAC) {
		t.Errorf("got %v, want ErrMissingMAC", err)
	}
}

func TestOpenGatePassesEverything(t *testing.T) {
	t.Parallel()
	gate := Open()
	payload := []byte("anything at all")
	verified, err := gate.Verify(payload)
	if err != nil || !bytes.Equal(verified, payload) {
		t.Errorf("open gate: got %q, %v", verified, err)
	}
	signed, err := gate.Sign(payload, 0)
	if err != nil || !bytes.Equal(signed, payload) {
		t.Errorf("open gate Sign: got %q, %v", signed, err)
	}
}

func TestLoadKeysValidation(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		content string
	}{
		{"reserved id", "keys:\n  - id: 0\n    algorithm: blake3\n    secret: \"00\"\n"},
		{"bad hex", "keys:\n  - id: 1\n    algorithm: blake3\n    secret: \"zz\"\n"},
		{"short blake3 secret", "keys:\n  - id: 1\n    algorithm: blake3\n    secret: \"0011\"\n"},
		{"unknown algorithm", "keys:\n  - id: 1\n    algorithm: md5\n    secret: \"0011\"\n"},
		{"duplicate id", testKeys + "  - id: 1\n    algorithm: blake2b\n    secret: \"00\"\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if _, err := LoadKeys(writeKeyFile(t, c.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
