// Copyright 2026 The Meridian Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/meridian-time/meridian/lib/schema/status"
)

// monitorRefreshInterval is how often the monitor polls the daemon.
const monitorRefreshInterval = time.Second

func monitorCommand() *command {
	var socketPath string

	return &command{
		name:    "monitor",
		summary: "Live view of source and synchronization state",
		usage:   "meridian monitor [flags]",
		flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
			flagSet.StringVar(&socketPath, "socket", defaultSocketPath, "daemon status socket")
			return flagSet
		},
		run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			model := newMonitorModel(socketPath)
			program := tea.NewProgram(model, tea.WithAltScreen())
			_, err := program.Run()
			return err
		},
	}
}

type reportMsg status.Report

type reportErrMsg struct{ err error }

type refreshMsg time.Time

// monitorModel is the bubbletea model behind "meridian monitor". It
// holds the latest report and re-fetches on a fixed tick; fetch
// failures are displayed in place of the tables until a poll succeeds
// again.
type monitorModel struct {
	socketPath string
	report     status.Report
	haveReport bool
	fetchErr   error
	width      int
}

func newMonitorModel(socketPath string) monitorModel {
	return monitorModel{socketPath: socketPath}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.fetch, scheduleRefresh())
}

func (m monitorModel) fetch() tea.Msg {
	report, err := fetchReport(m.socketPath)
	if err != nil {
		return reportErrMsg{err: err}
	}
	return reportMsg(report)
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(monitorRefreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case reportMsg:
		m.report = status.Report(msg)
		m.haveReport = true
		m.fetchErr = nil

	case reportErrMsg:
		m.fetchErr = msg.err

	case refreshMsg:
		return m, tea.Batch(m.fetch, scheduleRefresh())
	}
	return m, nil
}

var (
	monitorTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
	monitorHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("246"))
	monitorGoodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	monitorBadStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	monitorFaintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func (m monitorModel) View() string {
	var view strings.Builder

	view.WriteString(monitorTitleStyle.Render("meridian monitor"))
	view.WriteString("\n\n")

	if m.fetchErr != nil && !m.haveReport {
		view.WriteString(monitorBadStyle.Render(fmt.Sprintf("cannot reach daemon: %v", m.fetchErr)))
		view.WriteString("\n\n")
		view.WriteString(monitorFaintStyle.Render("q: quit"))
		return view.String()
	}
	if !m.haveReport {
		view.WriteString(monitorFaintStyle.Render("connecting..."))
		return view.String()
	}

	view.WriteString(m.systemView())
	view.WriteString("\n")
	view.WriteString(m.sourcesView())
	view.WriteString("\n")
	if m.fetchErr != nil {
		view.WriteString(monitorBadStyle.Render(fmt.Sprintf("poll failed: %v (showing last report)", m.fetchErr)))
		view.WriteString("\n")
	}
	view.WriteString(monitorFaintStyle.Render("q: quit"))
	return view.String()
}

func (m monitorModel) systemView() string {
	system := m.report.System
	discipline := m.report.Discipline

	state := monitorBadStyle.Render("unsynchronized")
	if system.Synchronized {
		state = monitorGoodStyle.Render("synchronized")
	}

	lines := []string{
		fmt.Sprintf("%s  stratum %d  leap %s", state, system.Stratum, system.Leap),
		fmt.Sprintf("offset %s  jitter %s",
			formatSeconds(system.OffsetSeconds),
			formatSeconds(system.JitterSeconds),
		),
		fmt.Sprintf("mode %s  frequency %+.3f ppm", discipline.Mode, discipline.FrequencyPPM),
	}
	if discipline.MonitorOnly {
		lines = append(lines, monitorFaintStyle.Render("monitor-only: corrections computed, not applied"))
	}
	if discipline.Alarmed {
		lines = append(lines, monitorBadStyle.Render("ALARM: corrections suspended"))
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m monitorModel) sourcesView() string {
	var view strings.Builder
	view.WriteString(monitorHeaderStyle.Render(fmt.Sprintf(
		"  %-24s %-18s %-5s %-6s %12s %12s %12s",
		"ADDRESS", "STATE", "REACH", "POLL", "OFFSET", "DELAY", "JITTER",
	)))
	view.WriteString("\n")

	for _, src := range m.report.Sources {
		row := fmt.Sprintf("%s %-24s %-18s %-5s %-6s %12s %12s %12s",
			selectionMark(src),
			src.Address,
			src.State,
			fmt.Sprintf("%03o", src.Reach),
			formatPoll(src.PollIntervalSeconds),
			formatSeconds(src.OffsetSeconds),
			formatSeconds(src.DelaySeconds),
			formatSeconds(src.JitterSeconds),
		)
		switch {
		case src.Survivor:
			row = monitorGoodStyle.Render(row)
		case !src.HasStat:
			row = monitorFaintStyle.Render(row)
		case !src.Truechimer:
			row = monitorBadStyle.Render(row)
		}
		view.WriteString(row)
		view.WriteString("\n")
	}
	return view.String()
}
