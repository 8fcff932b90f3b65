// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalDeterministic(t *testing.T) {
	t.Parallel()
	value := map[string]any{"offset": 0.010, "jitter": 0.002, "stratum": 2}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("identical values should encode to identical bytes")
	}
}

func TestUnmarshalIntoAny(t *testing.T) {
	t.Parallel()
	data, err := Marshal(map[string]any{"nested": map[string]any{"a": int64(1)}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type: %T", decoded)
	}
	if _, ok := outer["nested"].(map[string]any); !ok {
		t.Fatalf("nested type: %T", outer["nested"])
	}
}

func TestStreamRoundTrip(t *testing.T) {
	t.Parallel()
	type record struct {
		Name  string  `json:"name"`
		Value float64 `json:"value"`
	}
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i := 0; i < 3; i++ {
		if err := encoder.Encode(record{Name: "sample", Value: float64(i)}); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	decoder := NewDecoder(&buffer)
	for i := 0; i < 3; i++ {
		var r record
		if err := decoder.Decode(&r); err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if r.Value != float64(i) {
			t.Errorf("record %d: got %v", i, r.Value)
		}
	}
}
