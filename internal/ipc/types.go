package ipc

import (
	"time"

	"clawd/internal/audit"
	"clawd/internal/daemon"
	"clawd/internal/dispatch"
	"clawd/internal/lifecycle"
)

// ServiceName is the RPC service the daemon registers.
const ServiceName = "Clawd"

// StartRequest starts the daemon runtime.
type StartRequest struct{}

// StartResponse indicates whether the runtime was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the runtime. A zero timeout uses the configured
// shutdown timeout.
type StopRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// DispatcherMetrics mirrors the dispatcher counters.
type DispatcherMetrics = dispatch.Metrics

// ComponentStatus describes one registered component.
type ComponentStatus = lifecycle.ComponentStats

// PollerStatus describes one source poller.
type PollerStatus = daemon.PollerStatus

// PowerEvent is the last power-supply change the daemon handled.
type PowerEvent = daemon.PowerEvent

// MemoryStatus summarises memory use and reclamation.
type MemoryStatus struct {
	RSSBytes       uint64    `json:"rss_bytes"`
	PeakRSSBytes   uint64    `json:"peak_rss_bytes"`
	SystemPercent  float64   `json:"system_percent"`
	AvailableBytes uint64    `json:"available_bytes"`
	Reclaims       uint64    `json:"reclaims"`
	ForcedReclaims uint64    `json:"forced_reclaims"`
	LastForced     time.Time `json:"last_forced,omitempty"`
	MonitorRunning bool      `json:"monitor_running"`
}

// StatusResponse is the combined daemon status.
type StatusResponse struct {
	Running        bool              `json:"running"`
	PID            int               `json:"pid"`
	StartedAt      time.Time         `json:"started_at,omitempty"`
	UptimeSeconds  float64           `json:"uptime_seconds"`
	State          string            `json:"state"`
	StateSince     time.Time         `json:"state_since"`
	IdleSeconds    float64           `json:"idle_seconds"`
	SleepScheduled bool              `json:"sleep_scheduled"`
	SleepAt        time.Time         `json:"sleep_at,omitempty"`
	Transitions    uint64            `json:"transitions"`
	ActiveHandlers int               `json:"active_handlers"`
	Dispatcher     DispatcherMetrics `json:"dispatcher"`
	Components     []ComponentStatus `json:"components"`
	Memory         MemoryStatus      `json:"memory"`
	Pollers        []PollerStatus    `json:"pollers"`
	PowerMonitor   bool              `json:"power_monitor"`
	LastPowerEvent *PowerEvent       `json:"last_power_event,omitempty"`
	LockPath       string            `json:"lock_path"`
	AuditEnabled   bool              `json:"audit_enabled"`
}

// EmitRequest queues a manual event.
type EmitRequest struct {
	Kind        string            `json:"kind"`
	Priority    string            `json:"priority"`
	Payload     map[string]string `json:"payload"`
	MaxAttempts int               `json:"max_attempts"`
	// ID overrides the generated event id, e.g. a bridge message id.
	ID string `json:"id,omitempty"`
}

// EmitResponse describes the queued event.
type EmitResponse struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Priority   string    `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
	QueueDepth int       `json:"queue_depth"`
}

// WakeRequest records activity and wakes a sleeping daemon.
type WakeRequest struct{}

// WakeResponse reports whether the daemon was asleep.
type WakeResponse struct {
	Woke  bool   `json:"woke"`
	State string `json:"state"`
}

// UnloadRequest drops a loaded component.
type UnloadRequest struct {
	Name string `json:"name"`
}

// UnloadResponse reports whether an instance was dropped.
type UnloadResponse struct {
	Unloaded bool `json:"unloaded"`
}

// AuditEntry is one audit trail record.
type AuditEntry = audit.Entry

// AuditTailRequest selects recent audit entries.
type AuditTailRequest struct {
	Hours int `json:"hours"`
	Limit int `json:"limit"`
}

// AuditTailResponse returns audit entries newest first.
type AuditTailResponse struct {
	Since   time.Time    `json:"since"`
	Entries []AuditEntry `json:"entries"`
}

// LogTailRequest fetches log lines based on offset and follow semantics.
type LogTailRequest struct {
	Offset     int64 `json:"offset"`
	Limit      int   `json:"limit"`
	Follow     bool  `json:"follow"`
	WaitMillis int   `json:"wait_millis"`
}

// LogTailResponse returns log lines and the next offset.
type LogTailResponse struct {
	Lines  []string `json:"lines"`
	Offset int64    `json:"offset"`
}

func fromStatus(st daemon.Status) StatusResponse {
	return StatusResponse{
		Running:        st.Running,
		PID:            st.PID,
		StartedAt:      st.StartedAt,
		UptimeSeconds:  st.Uptime.Seconds(),
		State:          st.State.State.String(),
		StateSince:     st.State.EnteredAt,
		IdleSeconds:    st.State.IdleDuration.Seconds(),
		SleepScheduled: st.State.SleepScheduled,
		SleepAt:        st.State.SleepAt,
		Transitions:    st.State.Transitions,
		ActiveHandlers: st.ActiveHandlers,
		Dispatcher:     st.Dispatcher,
		Components:     st.Components.Components,
		Memory: MemoryStatus{
			RSSBytes:       st.Components.Memory.RSSBytes,
			PeakRSSBytes:   st.Components.PeakRSSBytes,
			SystemPercent:  st.Components.Memory.SystemPercent,
			AvailableBytes: st.Components.Memory.SystemAvailableBytes,
			Reclaims:       st.Components.Reclaims,
			ForcedReclaims: st.Components.ForcedReclaims,
			LastForced:     st.Components.LastForced,
			MonitorRunning: st.Components.MonitorRunning,
		},
		Pollers:        st.Pollers,
		PowerMonitor:   st.PowerMonitor,
		LastPowerEvent: st.LastPowerEvent,
		LockPath:       st.LockFilePath,
		AuditEnabled:   st.AuditEnabled,
	}
}
