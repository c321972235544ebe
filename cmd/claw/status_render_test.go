package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"

	"clawd/internal/daemonctl"
	"clawd/internal/ipc"
	"clawd/internal/preflight"
)

func TestRenderStatusLineNoColor(t *testing.T) {
	got := renderStatusLine("Daemon", statusError, "Not running", false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Daemon:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("renderStatusLine mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderStatusLineWithColor(t *testing.T) {
	got := renderStatusLine("Daemon", statusOK, "Running", true)
	want := text.FgGreen.Sprint(renderStatusLine("Daemon", statusOK, "Running", false))
	if got != want {
		t.Fatalf("renderStatusLine colored mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}

func TestSystemLinesOffline(t *testing.T) {
	snap := &daemonctl.StatusSnapshot{
		Lock: preflight.LockProbe{Path: "/tmp/clawd.lock", Err: errors.New("permission denied")},
		Checks: []preflight.Result{
			{Name: "State directory", Passed: true, Detail: "/state"},
			{Name: "Socket path", Passed: false, Detail: "too long"},
		},
	}
	lines := systemLines(snap, false, time.Now())
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), lines)
	}
	if !strings.Contains(lines[0], "[ERROR] Not running") {
		t.Fatalf("expected not running first, got %q", lines[0])
	}
	if !strings.Contains(lines[1], "[WARN] unknown (permission denied)") {
		t.Fatalf("expected lock warning, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "[OK] /state") {
		t.Fatalf("expected passing check, got %q", lines[2])
	}
	if !strings.Contains(lines[3], "[ERROR] too long") {
		t.Fatalf("expected failing check, got %q", lines[3])
	}
}

func TestSystemLinesRunning(t *testing.T) {
	now := time.Now()
	online := false
	snap := &daemonctl.StatusSnapshot{
		Reachable: true,
		Status: &ipc.StatusResponse{
			Running:        true,
			PID:            4242,
			UptimeSeconds:  90,
			State:          "sleeping",
			StateSince:     now.Add(-2 * time.Minute),
			ActiveHandlers: 0,
			PowerMonitor:   true,
			LastPowerEvent: &ipc.PowerEvent{Supply: "AC", Type: "Mains", Online: &online, At: now.Add(-time.Minute)},
			AuditEnabled:   true,
			LockPath:       "/state/clawd.lock",
		},
	}
	out := strings.Join(systemLines(snap, false, now), "\n")
	requireContains(t, out, "Running (pid 4242, up 1m30s)")
	requireContains(t, out, "[WARN] Sleeping since 2 minutes ago")
	requireContains(t, out, "AC on battery")
	requireContains(t, out, "Audit trail:")
	requireContains(t, out, "/state/clawd.lock")
}

func TestStateDetailIncludesScheduledSleep(t *testing.T) {
	now := time.Now()
	st := &ipc.StatusResponse{
		State:          "idle",
		StateSince:     now.Add(-30 * time.Second),
		SleepScheduled: true,
		SleepAt:        now.Add(5 * time.Minute),
	}
	got := stateDetail(st, now)
	if !strings.HasPrefix(got, "Idle since 30 seconds ago") {
		t.Fatalf("unexpected state detail %q", got)
	}
	if !strings.Contains(got, "sleep 5 minutes from now") {
		t.Fatalf("expected scheduled sleep in %q", got)
	}
}

func TestDispatcherRows(t *testing.T) {
	rows := dispatcherRows(ipc.DispatcherMetrics{Processed: 12345, Failed: 2, QueueSize: 3, Running: true})
	got := map[string]string{}
	for _, row := range rows {
		got[row[0]] = row[1]
	}
	if got["Processed"] != "12,345" || got["Failed"] != "2" || got["Queued"] != "3" || got["Running"] != "yes" {
		t.Fatalf("unexpected dispatcher rows: %v", got)
	}
}

func TestComponentRows(t *testing.T) {
	now := time.Now()
	rows := componentRows([]ipc.ComponentStatus{
		{Name: "brain", Loaded: true, AccessCount: 1500, Loads: 2, IdleSeconds: 5, LoadedAt: now.Add(-time.Hour)},
		{Name: "voice"},
	}, now)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	want := []string{"brain", "yes", "1,500", "2", "5s", "1 hour ago"}
	for i, cell := range want {
		if rows[0][i] != cell {
			t.Fatalf("brain column %d: got %q want %q", i, rows[0][i], cell)
		}
	}
	if rows[1][4] != "-" || rows[1][5] != "never" {
		t.Fatalf("unexpected unloaded row: %q", rows[1])
	}
}

func TestMemoryDetail(t *testing.T) {
	got := memoryDetail(ipc.MemoryStatus{RSSBytes: 2 << 20, PeakRSSBytes: 3 << 20, SystemPercent: 41.25, Reclaims: 3, ForcedReclaims: 1})
	want := "RSS 2.0 MiB (peak 3.0 MiB), system 41.2% used, 3 reclaims (1 forced)"
	if got != want {
		t.Fatalf("memoryDetail\n got: %q\nwant: %q", got, want)
	}
}

func TestPollerRows(t *testing.T) {
	rows := pollerRows([]ipc.PollerStatus{
		{Source: "calls", Kind: "call", Interval: 500 * time.Millisecond, Enabled: true, Signals: 4, Errors: 1, LastError: "probe failed"},
	}, time.Now())
	want := []string{"calls", "call", "500ms", "yes", "4", "1 (probe failed)", "never"}
	for i, cell := range want {
		if rows[0][i] != cell {
			t.Fatalf("column %d: got %q want %q", i, rows[0][i], cell)
		}
	}
}

func TestFormatDetailsSorted(t *testing.T) {
	got := formatDetails(map[string]any{"kind": "call", "attempts": 2})
	if got != "attempts=2 kind=call" {
		t.Fatalf("unexpected details %q", got)
	}
	if formatDetails(nil) != "" {
		t.Fatal("expected empty details for nil map")
	}
}

func TestParsePayload(t *testing.T) {
	payload, err := parsePayload([]string{"text=hi=there", "chat = 42"})
	if err != nil {
		t.Fatalf("parsePayload: %v", err)
	}
	if payload["text"] != "hi=there" || payload["chat"] != " 42" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"only"}})
	requireContains(t, out, "only")
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("expected trailing newline, got %q", out)
	}
	if renderTable(nil, nil) != "" {
		t.Fatal("expected empty output without headers")
	}
}
