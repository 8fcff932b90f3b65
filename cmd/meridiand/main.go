// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Meridiand is the time synchronization daemon. It polls the
// configured sources, runs consensus rounds over their filtered
// estimates, disciplines the system clock, and serves status snapshots
// on a Unix socket for the meridian CLI.
//
// The daemon needs CAP_SYS_TIME to steer the clock; with monitor_only
// set in the configuration it runs fully unprivileged, computing
// corrections without applying them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridian-time/meridian/daemon"
	"github.com/meridian-time/meridian/lib/clock"
	"github.com/meridian-time/meridian/lib/config"
	"github.com/meridian-time/meridian/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "/etc/meridian/meridian.yaml", "path to the daemon configuration file")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("meridiand %s\n", version.Info())
		return nil
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	system, err := systemClock(cfg.MonitorOnly)
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{
		Config:  cfg,
		Logger:  logger,
		Clock:   clock.Real(),
		System:  system,
		Version: version.Info(),
	})
	if err != nil {
		return err
	}

	logger.Info("meridiand starting",
		"version", version.Info(),
		"config", configPath,
		"monitor_only", cfg.MonitorOnly,
	)
	return d.Run(ctx)
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
