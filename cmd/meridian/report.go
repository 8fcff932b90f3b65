// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/meridian-time/meridian/lib/schema/status"
	"github.com/meridian-time/meridian/lib/statussock"
)

// fetchReport queries the daemon's status socket once.
func fetchReport(socketPath string) (status.Report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var report status.Report
	if err := statussock.NewClient(socketPath).Call(ctx, "status", &report); err != nil {
		return status.Report{}, err
	}
	return report, nil
}

func printJSON(value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}

func statusCommand() *command {
	var socketPath string
	var asJSON bool

	return &command{
		name:    "status",
		summary: "Show the daemon's synchronization state",
		usage:   "meridian status [flags]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", defaultSocketPath, "daemon status socket")
			flagSet.BoolVar(&asJSON, "json", false, "print the full report as JSON")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			report, err := fetchReport(socketPath)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(report)
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(writer, "synchronized\t%s\n", yesNo(report.System.Synchronized))
			fmt.Fprintf(writer, "offset\t%s\n", formatSeconds(report.System.OffsetSeconds))
			fmt.Fprintf(writer, "jitter\t%s\n", formatSeconds(report.System.JitterSeconds))
			fmt.Fprintf(writer, "stratum\t%d\n", report.System.Stratum)
			fmt.Fprintf(writer, "leap\t%s\n", report.System.Leap)
			fmt.Fprintf(writer, "mode\t%s\n", report.Discipline.Mode)
			fmt.Fprintf(writer, "frequency\t%+.3f ppm\n", report.Discipline.FrequencyPPM)
			if report.Discipline.MonitorOnly {
				fmt.Fprintf(writer, "monitor-only\tyes\n")
			}
			if report.Discipline.Alarmed {
				fmt.Fprintf(writer, "alarm\tcorrections suspended\n")
			}
			return writer.Flush()
		},
	}
}

func sourcesCommand() *command {
	var socketPath string
	var asJSON bool

	return &command{
		name:    "sources",
		summary: "List configured sources and their estimates",
		usage:   "meridian sources [flags]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sources", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", defaultSocketPath, "daemon status socket")
			flagSet.BoolVar(&asJSON, "json", false, "print the full report as JSON")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			report, err := fetchReport(socketPath)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(report.Sources)
			}

			writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "  ADDRESS\tSTATE\tREACH\tPOLL\tOFFSET\tDELAY\tJITTER")
			for _, src := range report.Sources {
				fmt.Fprintf(writer, "%s %s\t%s\t%03o\t%s\t%s\t%s\t%s\n",
					selectionMark(src),
					src.Address,
					src.State,
					src.Reach,
					formatPoll(src.PollIntervalSeconds),
					formatSeconds(src.OffsetSeconds),
					formatSeconds(src.DelaySeconds),
					formatSeconds(src.JitterSeconds),
				)
			}
			return writer.Flush()
		},
	}
}

// selectionMark prefixes each source row: '*' survivor, '+' truechimer,
// 'x' falseticker, '-' no usable estimate.
func selectionMark(src status.SourceReport) string {
	switch {
	case src.Survivor:
		return "*"
	case src.Truechimer:
		return "+"
	case src.HasStat:
		return "x"
	default:
		return "-"
	}
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

// formatSeconds renders a time quantity at millisecond scale, the
// natural unit for network time offsets.
func formatSeconds(seconds float64) string {
	return fmt.Sprintf("%+.3f ms", seconds*1e3)
}

func formatPoll(seconds float64) string {
	if seconds <= 0 {
		return "-"
	}
	return time.Duration(seconds * float64(time.Second)).Truncate(time.Second).String()
}
