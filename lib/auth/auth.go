// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements the packet authentication gate: a keyed-MAC
// check applied to every received datagram before it reaches the
// engine, and the matching MAC appended to outgoing requests. The
// engine itself only sees pass or fail; a failure counts as a missed
// poll for reachability purposes.
//
// The trailing MAC format is 4 bytes of key id (network byte order)
// followed by a 32-byte keyed hash over everything before it.
package auth

import (
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// macLength is the keyed hash size for both supported algorithms.
const macLength = 32

// trailerLength is key id plus MAC.
const trailerLength = 4 + macLength

// Verification failures. All of them collapse to "missed poll" at the
// engine boundary; the distinction exists for logging.
var (
	ErrMissingMAC = errors.New("auth: packet has no MAC trailer")
	ErrUnknownKey = errors.New("auth: unknown key id")
	ErrBadMAC     = errors.New("auth: MAC verification failed")
)

// Algorithm names accepted in the key file.
const (
	AlgorithmBlake3  = "blake3"
	AlgorithmBlake2b = "blake2b"
)

type key struct {
	algorithm string
	secret    []byte
}

// mac computes the keyed hash of data under this key.
func (k key) mac(data []byte) ([]byte, error) {
	switch k.algorithm {
	case AlgorithmBlake3:
		hasher, err := blake3.NewKeyed(k.secret)
		if err != nil {
			return nil, fmt.Errorf("auth: blake3 keyed hasher: %w", err)
		}
		hasher.Write(data)
		return hasher.Sum(nil), nil
	case AlgorithmBlake2b:
		hasher, err := blake2b.New256(k.secret)
		if err != nil {
			return nil, fmt.Errorf("auth: blake2b keyed hasher: %w", err)
		}
		hasher.Write(data)
		return hasher.Sum(nil), nil
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", k.algorithm)
	}
}

// Gate verifies inbound packets and signs outbound ones. A Gate with
// no keys is open: Verify accepts everything and Sign appends nothing.
// Gate is immutable after construction and safe for concurrent use.
type Gate struct {
	keys map[uint32]key
}

// Open returns a gate with no keys: all packets pass unauthenticated.
func Open() *Gate { return &Gate{} }

// keyFile is the YAML shape of the key file.
type keyFile struct {
	Keys []struct {
		ID        uint32 `yaml:"id"`
		Algorithm string `yaml:"algorithm"`
		Secret    string `yaml:"secret"`
	} `yaml:"keys"`
}

// LoadKeys reads a YAML key file and returns the resulting gate.
// Secrets are hex-encoded; blake3 requires exactly 32 bytes, blake2b
// accepts 1 to 64.
func LoadKeys(path string) (*Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	var parsed keyFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parsing key file %s: %w", path, err)
	}

	gate := &Gate{keys: make(map[uint32]key, len(parsed.Keys))}
	for _, entry := range parsed.Keys {
		if entry.ID == 0 {
			return nil, fmt.Errorf("key file %s: key id 0 is reserved", path)
		}
		if _, exists := gate.keys[entry.ID]; exists {
			return nil, fmt.Errorf("key file %s: duplicate key id %d", path, entry.ID)
		}
		secret, err := hex.DecodeString(entry.Secret)
		if err != nil {
			return nil, fmt.Errorf("key file %s: key %d: secret is not hex: %w", path, entry.ID, err)
		}
		switch entry.Algorithm {
		case AlgorithmBlake3:
			if len(secret) != 32 {
				return nil, fmt.Errorf("key file %s: key %d: blake3 needs a 32-byte secret, got %d", path, entry.ID, len(secret))
			}
		case AlgorithmBlake2b:
			if len(secret) == 0 || len(secret) > 64 {
				return nil, fmt.Errorf("key file %s: key %d: blake2b secret must be 1-64 bytes, got %d", path, entry.ID, len(secret))
			}
		default:
			return nil, fmt.Errorf("key file %s: key %d: unsupported algorithm %q", path, entry.ID, entry.Algorithm)
		}
		gate.keys[entry.ID] = key{algorithm: entry.Algorithm, secret: secret}
	}
	return gate, nil
}

// Required reports whether the gate has keys configured, in which case
// every packet must carry a valid MAC.
func (g *Gate) Required() bool { return len(g.keys) > 0 }

// Verify checks the MAC trailer of a received datagram. For an open
// gate it always succeeds. The returned payload is the datagram with
// the trailer stripped (or the input unchanged for an open gate).
func (g *Gate) Verify(datagram []byte) ([]byte, error) {
	if !g.Required() {
		return datagram, nil
	}
	if len(datagram) < trailerLength {
		return nil, ErrMissingMAC
	}
	split := len(datagram) - trailerLength
	payload := datagram[:split]
	keyID := binary.BigEndian.Uint32(datagram[split : split+4])
	received := datagram[split+4:]

	k, exists := g.keys[keyID]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKey, keyID)
	}
	expected, err := k.mac(payload)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected, received) != 1 {
		return nil, ErrBadMAC
	}
	return payload, nil
}

// Sign appends the MAC trailer for the given key id to payload. For
// key id 0 (or an open gate) the payload is returned unchanged.
func (g *Gate) Sign(payload []byte, keyID uint32) ([]byte, error) {
	if keyID == 0 || !g.Required() {
		return payload, nil
	}
	k, exists := g.keys[keyID]
	if !exists {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKey, keyID)
	}
	mac, err := k.mac(payload)
	if err != nil {
		return nil, err
	}
	signed := make([]byte, 0, len(payload)+trailerLength)
	signed = append(signed, payload...)
	signed = binary.BigEndian.AppendUint32(signed, keyID)
	return append(signed, mac...), nil
}
