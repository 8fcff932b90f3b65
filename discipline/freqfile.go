// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package discipline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// frequencyFile is the on-disk shape of the persisted estimate.
type frequencyFile struct {
	FrequencyPPM float64 `json:"frequency_ppm"`
}

// loadFrequency reads a persisted frequency estimate. A missing file
// is not an error; found reports whether an estimate was read.
func loadFrequency(path string) (ppm float64, found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading frequency file: %w", err)
	}
	var parsed frequencyFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return 0, false, fmt.Errorf("parsing frequency file %s: %w", path, err)
	}
	if parsed.FrequencyPPM < -maxSlewPPM || parsed.FrequencyPPM > maxSlewPPM {
		return 0, false, fmt.Errorf("frequency file %s: %g ppm is outside the slewable range", path, parsed.FrequencyPPM)
	}
	return parsed.FrequencyPPM, true, nil
}

// saveFrequency writes the estimate atomically: a temp file in the
// same directory, then rename.
func saveFrequency(path string, ppm float64) error {
	data, err := json.Marshal(frequencyFile{FrequencyPPM: ppm})
	if err != nil {
		return fmt.Errorf("encoding frequency file: %w", err)
	}
	temp, err := os.CreateTemp(filepath.Dir(path), ".frequency-*")
	if err != nil {
		return fmt.Errorf("creating frequency temp file: %w", err)
	}
	defer os.Remove(temp.Name())
	if _, err := temp.Write(data); err != nil {
		temp.Close()
		return fmt.Errorf("writing frequency file: %w", err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("closing frequency file: %w", err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		return fmt.Errorf("replacing frequency file: %w", err)
	}
	return nil
}
