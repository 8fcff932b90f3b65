// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the shared CBOR encoding configuration for
// the status socket protocol and the measurement journal. The encoder
// uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items — the same
// logical value always produces identical bytes. JSON stays on the
// CLI output surface; CBOR is the internal wire and disk format.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// Status report payloads decode into map[string]any when the
		// caller has no schema (the CLI's raw mode). The CBOR default
		// of map[interface{}]interface{} is useless to encoding/json.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v deterministically.
func Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// Encoder streams CBOR values to a writer. Alias so consumers import
// only lib/codec.
type Encoder = cbor.Encoder

// Decoder streams CBOR values from a reader.
type Decoder = cbor.Decoder

// RawMessage is a raw encoded CBOR value for delayed decoding.
type RawMessage = cbor.RawMessage

// NewEncoder returns a streaming encoder using the deterministic mode.
func NewEncoder(w io.Writer) *Encoder { return encMode.NewEncoder(w) }

// NewDecoder returns a streaming decoder.
func NewDecoder(r io.Reader) *Decoder { return decMode.NewDecoder(r) }
