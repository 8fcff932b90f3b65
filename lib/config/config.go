// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration from a single YAML
// file. The file is the only source of truth: there are no environment
// overrides and no automatic discovery, which keeps deployments
// deterministic and auditable. Durations are Go duration strings
// ("125ms", "16m40s").
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridian-time/meridian/lib/ntptime"
)

// Duration is a time.Duration that unmarshals from a YAML duration
// string.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// NTP returns the duration in the engine's fixed-point scale.
func (d Duration) NTP() ntptime.Duration { return ntptime.DurationFrom(time.Duration(d)) }

// Source configures one remote time source.
type Source struct {
	// Address is the source endpoint, host or host:port. The protocol
	// port 123 is appended when absent.
	Address string `yaml:"address"`

	// KeyID selects the authentication key for this source; 0 means
	// unauthenticated exchanges.
	KeyID uint32 `yaml:"key_id,omitempty"`
}

// PollConfig bounds the per-source poll interval, 2^exponent seconds.
type PollConfig struct {
	MinExponent int8 `yaml:"minpoll"`
	MaxExponent int8 `yaml:"maxpoll"`
}

// EngineConfig tunes the per-source measurement engine.
type EngineConfig struct {
	// WindowSize is the clock filter depth.
	WindowSize int `yaml:"window_size"`

	// MaxDelay is the round-trip sanity ceiling.
	MaxDelay Duration `yaml:"max_delay"`

	// ResponseDeadline bounds how long a request stays outstanding.
	ResponseDeadline Duration `yaml:"response_deadline"`

	// RoundInterval is the cadence of synchronization rounds.
	RoundInterval Duration `yaml:"round_interval"`
}

// DisciplineConfig tunes the clock discipline loop.
type DisciplineConfig struct {
	StepThreshold  Duration `yaml:"step_threshold"`
	PanicThreshold Duration `yaml:"panic_threshold"`

	// FrequencyFile persists the frequency estimate across restarts.
	// Empty disables persistence.
	FrequencyFile string `yaml:"frequency_file,omitempty"`
}

// AuthConfig locates the packet authentication keys.
type AuthConfig struct {
	// KeyFile is the YAML key file consumed by lib/auth. Empty runs
	// the gate open (no authentication).
	KeyFile string `yaml:"key_file,omitempty"`
}

// StatusConfig configures the read-only status socket.
type StatusConfig struct {
	SocketPath string `yaml:"socket_path"`
}

// JournalConfig configures the optional measurement journal.
type JournalConfig struct {
	// Path of the journal file; empty disables the journal.
	Path string `yaml:"path,omitempty"`

	// MaxBytes rotates the journal when the compressed file reaches
	// this size.
	MaxBytes int64 `yaml:"max_bytes,omitempty"`
}

// Config is the daemon configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// MonitorOnly computes corrections without applying them.
	MonitorOnly bool `yaml:"monitor_only,omitempty"`

	Sources    []Source         `yaml:"sources"`
	Poll       PollConfig       `yaml:"poll"`
	Engine     EngineConfig     `yaml:"engine"`
	Discipline DisciplineConfig `yaml:"discipline"`
	Auth       AuthConfig       `yaml:"auth"`
	Status     StatusConfig     `yaml:"status"`
	Journal    JournalConfig    `yaml:"journal"`
}

// Default returns the configuration defaults applied before the file
// is read.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Poll:     PollConfig{MinExponent: 4, MaxExponent: 10},
		Engine: EngineConfig{
			WindowSize:       8,
			MaxDelay:         Duration(500 * time.Millisecond),
			ResponseDeadline: Duration(5 * time.Second),
			RoundInterval:    Duration(16 * time.Second),
		},
		Discipline: DisciplineConfig{
			StepThreshold:  Duration(125 * time.Millisecond),
			PanicThreshold: Duration(1000 * time.Second),
		},
		Status:  StatusConfig{SocketPath: "/run/meridian/status.sock"},
		Journal: JournalConfig{MaxBytes: 16 << 20},
	}
}

// LoadFile reads and validates a configuration file, on top of the
// defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency and
// normalizes source addresses.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q: must be debug, info, warn, or error", c.LogLevel)
	}

	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		source := &c.Sources[i]
		if source.Address == "" {
			return fmt.Errorf("source %d: address is required", i)
		}
		if _, _, err := net.SplitHostPort(source.Address); err != nil {
			source.Address = net.JoinHostPort(source.Address, "123")
		}
		if seen[source.Address] {
			return fmt.Errorf("source %d: duplicate address %s", i, source.Address)
		}
		seen[source.Address] = true
		if source.KeyID != 0 && c.Auth.KeyFile == "" {
			return fmt.Errorf("source %s: key_id %d set without auth.key_file", source.Address, source.KeyID)
		}
	}

	if c.Poll.MinExponent > c.Poll.MaxExponent {
		return fmt.Errorf("poll: minpoll %d exceeds maxpoll %d", c.Poll.MinExponent, c.Poll.MaxExponent)
	}
	if c.Engine.WindowSize <= 0 {
		return fmt.Errorf("engine: window_size %d must be positive", c.Engine.WindowSize)
	}
	if c.Engine.MaxDelay <= 0 || c.Engine.ResponseDeadline <= 0 || c.Engine.RoundInterval <= 0 {
		return errors.New("engine: max_delay, response_deadline, and round_interval must be positive")
	}
	if c.Discipline.StepThreshold <= 0 || c.Discipline.PanicThreshold <= 0 {
		return errors.New("discipline: step_threshold and panic_threshold must be positive")
	}
	if c.Discipline.PanicThreshold <= c.Discipline.StepThreshold {
		return errors.New("discipline: panic_threshold must exceed step_threshold")
	}
	if c.Status.SocketPath == "" {
		return errors.New("status: socket_path is required")
	}
	if c.Journal.Path != "" && c.Journal.MaxBytes <= 0 {
		return errors.New("journal: max_bytes must be positive")
	}
	return nil
}
