package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"clawd/internal/daemonctl"
	"clawd/internal/ipc"
)

var titleCase = cases.Title(language.English)

func renderStatus(out io.Writer, snap *daemonctl.StatusSnapshot, colorize bool, now time.Time) {
	printSection(out, "System", colorize)
	for _, line := range systemLines(snap, colorize, now) {
		fmt.Fprintln(out, line)
	}
	if !snap.Reachable || snap.Status == nil {
		return
	}
	st := snap.Status

	fmt.Fprintln(out)
	printSection(out, "Dispatcher", colorize)
	fmt.Fprint(out, renderTable([]string{"Metric", "Value"}, dispatcherRows(st.Dispatcher), 1))

	fmt.Fprintln(out)
	printSection(out, "Components", colorize)
	fmt.Fprintln(out, renderStatusLine("Memory", memoryKind(st.Memory), memoryDetail(st.Memory), colorize))
	if len(st.Components) == 0 {
		fmt.Fprintln(out, "No components registered")
	} else {
		fmt.Fprint(out, renderTable(
			[]string{"Component", "Loaded", "Accesses", "Loads", "Idle", "Last Load"},
			componentRows(st.Components, now),
			2, 3, 4, 5,
		))
	}

	fmt.Fprintln(out)
	printSection(out, "Pollers", colorize)
	if len(st.Pollers) == 0 {
		fmt.Fprintln(out, "No pollers configured")
		return
	}
	fmt.Fprint(out, renderTable(
		[]string{"Source", "Kind", "Interval", "Enabled", "Signals", "Errors", "Last Signal"},
		pollerRows(st.Pollers, now),
		2, 4, 5,
	))
}

func systemLines(snap *daemonctl.StatusSnapshot, colorize bool, now time.Time) []string {
	var lines []string
	if !snap.Reachable || snap.Status == nil {
		lines = append(lines, renderStatusLine("Daemon", statusError, "Not running", colorize))
		lockKind := statusInfo
		if snap.Lock.Held || snap.Lock.Err != nil {
			lockKind = statusWarn
		}
		lines = append(lines, renderStatusLine("Instance lock", lockKind, snap.Lock.Detail(), colorize))
		for _, check := range snap.Checks {
			kind := statusOK
			if !check.Passed {
				kind = statusError
			}
			lines = append(lines, renderStatusLine(check.Name, kind, check.Detail, colorize))
		}
		return lines
	}

	st := snap.Status
	if st.Running {
		detail := fmt.Sprintf("Running (pid %d, up %s)", st.PID, formatUptime(st.UptimeSeconds))
		lines = append(lines, renderStatusLine("Daemon", statusOK, detail, colorize))
	} else {
		lines = append(lines, renderStatusLine("Daemon", statusWarn, fmt.Sprintf("Runtime stopped (pid %d)", st.PID), colorize))
	}
	lines = append(lines, renderStatusLine("State", stateKind(st.State), stateDetail(st, now), colorize))
	lines = append(lines, renderStatusLine("Active handlers", statusInfo, strconv.Itoa(st.ActiveHandlers), colorize))

	power := "disabled"
	if st.PowerMonitor {
		power = "listening"
	}
	if ev := st.LastPowerEvent; ev != nil {
		source := "on AC"
		if ev.OnBattery() {
			source = "on battery"
		}
		power = fmt.Sprintf("%s, %s %s (%s)", power, ev.Supply, source, humanize.RelTime(ev.At, now, "ago", "from now"))
	}
	lines = append(lines, renderStatusLine("Power monitor", statusInfo, power, colorize))
	lines = append(lines, renderStatusLine("Audit trail", statusInfo, yesNo(st.AuditEnabled), colorize))
	lines = append(lines, renderStatusLine("Instance lock", statusInfo, st.LockPath, colorize))
	return lines
}

func stateKind(state string) statusKind {
	switch state {
	case "busy":
		return statusOK
	case "sleeping":
		return statusWarn
	default:
		return statusInfo
	}
}

func stateDetail(st *ipc.StatusResponse, now time.Time) string {
	detail := titleCase.String(st.State)
	if !st.StateSince.IsZero() {
		detail += " since " + humanize.RelTime(st.StateSince, now, "ago", "from now")
	}
	if st.SleepScheduled && !st.SleepAt.IsZero() {
		detail += ", sleep " + humanize.RelTime(st.SleepAt, now, "ago", "from now")
	}
	return detail
}

func memoryKind(mem ipc.MemoryStatus) statusKind {
	if !mem.MonitorRunning {
		return statusInfo
	}
	if mem.ForcedReclaims > 0 {
		return statusWarn
	}
	return statusOK
}

func memoryDetail(mem ipc.MemoryStatus) string {
	detail := fmt.Sprintf("RSS %s (peak %s), system %.1f%% used",
		humanize.IBytes(mem.RSSBytes),
		humanize.IBytes(mem.PeakRSSBytes),
		mem.SystemPercent,
	)
	if mem.Reclaims > 0 || mem.ForcedReclaims > 0 {
		detail += fmt.Sprintf(", %s reclaims (%s forced)",
			humanize.Comma(int64(mem.Reclaims)),
			humanize.Comma(int64(mem.ForcedReclaims)),
		)
	}
	return detail
}

func dispatcherRows(m ipc.DispatcherMetrics) [][]string {
	return [][]string{
		{"Running", yesNo(m.Running)},
		{"Queued", humanize.Comma(int64(m.QueueSize))},
		{"In flight", humanize.Comma(m.InFlight)},
		{"Pending retries", humanize.Comma(int64(m.PendingRetries))},
		{"Processed", humanize.Comma(int64(m.Processed))},
		{"Retried", humanize.Comma(int64(m.Retried))},
		{"Failed", humanize.Comma(int64(m.Failed))},
		{"Dropped", humanize.Comma(int64(m.Dropped))},
	}
}

func componentRows(components []ipc.ComponentStatus, now time.Time) [][]string {
	rows := make([][]string, 0, len(components))
	for _, c := range components {
		idle := "-"
		if c.Loaded {
			idle = formatUptime(c.IdleSeconds)
		}
		lastLoad := "never"
		if !c.LoadedAt.IsZero() {
			lastLoad = humanize.RelTime(c.LoadedAt, now, "ago", "from now")
		}
		rows = append(rows, []string{
			c.Name,
			yesNo(c.Loaded),
			humanize.Comma(int64(c.AccessCount)),
			humanize.Comma(int64(c.Loads)),
			idle,
			lastLoad,
		})
	}
	return rows
}

func pollerRows(pollers []ipc.PollerStatus, now time.Time) [][]string {
	rows := make([][]string, 0, len(pollers))
	for _, p := range pollers {
		last := "never"
		if !p.LastSignalAt.IsZero() {
			last = humanize.RelTime(p.LastSignalAt, now, "ago", "from now")
		}
		errorsCol := humanize.Comma(int64(p.Errors))
		if p.LastError != "" {
			errorsCol += " (" + p.LastError + ")"
		}
		rows = append(rows, []string{
			p.Source,
			p.Kind,
			p.Interval.String(),
			yesNo(p.Enabled),
			humanize.Comma(int64(p.Signals)),
			errorsCol,
			last,
		})
	}
	return rows
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	if d < time.Hour {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
