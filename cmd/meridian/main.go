// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

// Meridian is the operator CLI for meridiand. It talks to the daemon's
// read-only status socket; it never needs privileges of its own.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/meridian-time/meridian/lib/version"
)

// defaultSocketPath matches the daemon's configuration default.
const defaultSocketPath = "/run/meridian/status.sock"

// command is one CLI subcommand. Flags are built lazily so help can
// render them without parsing.
type command struct {
	name    string
	summary string
	usage   string

	flags func() *pflag.FlagSet
	run   func(args []string) error
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	commands := []*command{
		statusCommand(),
		sourcesCommand(),
		monitorCommand(),
		versionCommand(),
	}

	if len(args) == 0 || isHelpFlag(args[0]) {
		printUsage(os.Stderr, commands)
		if len(args) == 0 {
			return fmt.Errorf("subcommand required")
		}
		return nil
	}

	name := args[0]
	for _, cmd := range commands {
		if cmd.name != name {
			continue
		}
		rest := args[1:]
		if len(rest) > 0 && isHelpFlag(rest[0]) {
			fmt.Fprintf(os.Stderr, "Usage: %s\n", cmd.usage)
			if cmd.flags != nil {
				fmt.Fprintf(os.Stderr, "\nFlags:\n%s", cmd.flags().FlagUsages())
			}
			return nil
		}
		if cmd.flags != nil {
			flagSet := cmd.flags()
			if err := flagSet.Parse(rest); err != nil {
				return fmt.Errorf("%w\n\nRun 'meridian %s --help' for usage", err, cmd.name)
			}
			rest = flagSet.Args()
		}
		return cmd.run(rest)
	}

	return fmt.Errorf("unknown command %q\n\nRun 'meridian --help' for usage", name)
}

func isHelpFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

func printUsage(out *os.File, commands []*command) {
	fmt.Fprintln(out, "Usage: meridian <command> [flags]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Commands:")
	writer := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	for _, cmd := range commands {
		fmt.Fprintf(writer, "  %s\t%s\n", cmd.name, cmd.summary)
	}
	writer.Flush()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Run 'meridian <command> --help' for command details.")
}

func versionCommand() *command {
	return &command{
		name:    "version",
		summary: "Print version information",
		usage:   "meridian version",
		run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", strings.Join(args, " "))
			}
			fmt.Printf("meridian %s\n", version.Full())
			return nil
		},
	}
}
