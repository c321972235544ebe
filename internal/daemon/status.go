package daemon

import (
	"os"
	"time"

	"clawd/internal/dispatch"
	"clawd/internal/lifecycle"
	"clawd/internal/powerstate"
)

// Status is a read-only snapshot of the daemon for health checks.
type Status struct {
	Running        bool                `json:"running"`
	PID            int                 `json:"pid"`
	StartedAt      time.Time           `json:"started_at,omitempty"`
	Uptime         time.Duration       `json:"uptime"`
	State          powerstate.Snapshot `json:"state"`
	Dispatcher     dispatch.Metrics    `json:"dispatcher"`
	QueueDepth     int                 `json:"queue_depth"`
	ActiveHandlers int                 `json:"active_handlers"`
	Components     lifecycle.Stats     `json:"components"`
	Pollers        []PollerStatus      `json:"pollers,omitempty"`
	PowerMonitor   bool                `json:"power_monitor"`
	LastPowerEvent *PowerEvent         `json:"last_power_event,omitempty"`
	LockFilePath   string              `json:"lock_file_path"`
	AuditEnabled   bool                `json:"audit_enabled"`
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	running := d.running.Load()
	d.statusMu.RLock()
	startedAt := d.startedAt
	pollers := d.pollers.status()
	powerRunning := d.power.Running()
	d.statusMu.RUnlock()

	metrics := d.dispatcher.Metrics()
	st := Status{
		Running:        running,
		PID:            os.Getpid(),
		State:          d.state.Snapshot(),
		Dispatcher:     metrics,
		QueueDepth:     metrics.QueueSize,
		ActiveHandlers: d.activeHandlers(),
		Components:     d.components.Stats(),
		Pollers:        pollers,
		PowerMonitor:   powerRunning,
		LockFilePath:   d.lockPath,
		AuditEnabled:   d.auditLog != nil,
	}
	if running {
		st.StartedAt = startedAt
		st.Uptime = time.Since(startedAt)
	}
	if pe, ok := d.LastPowerEvent(); ok {
		st.LastPowerEvent = &pe
	}
	return st
}
