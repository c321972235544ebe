package lifecycle

import (
	"context"
	"time"

	"clawd/internal/logging"
)

// CheckResult reports what one monitor pass did.
type CheckResult struct {
	Memory   MemorySample `json:"memory"`
	Unloaded []string     `json:"unloaded,omitempty"`
	Pressure bool         `json:"pressure"`
	Forced   bool         `json:"forced"`
}

// StartMonitor launches the periodic memory monitor. Starting an already
// running monitor is a no-op.
func (m *Manager) StartMonitor(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	if m.monitorCancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.monitorCancel = cancel
	m.monitorDone = done
	go m.monitor(runCtx, done)
	m.logger.Info("memory monitor started",
		logging.Duration("interval", m.opts.CheckInterval),
		logging.Float64("threshold_percent", m.opts.ThresholdPercent),
		logging.String(logging.FieldEventType, "memory_monitor_started"),
	)
}

// StopMonitor stops the monitor and waits for it to exit.
func (m *Manager) StopMonitor() {
	m.monitorMu.Lock()
	cancel := m.monitorCancel
	done := m.monitorDone
	m.monitorCancel = nil
	m.monitorDone = nil
	m.monitorMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("memory monitor stopped", logging.String(logging.FieldEventType, "memory_monitor_stopped"))
}

// MonitorRunning reports whether the monitor goroutine is active.
func (m *Manager) MonitorRunning() bool {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	return m.monitorCancel != nil
}

func (m *Manager) monitor(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeCheck()
		}
	}
}

func (m *Manager) safeCheck() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("memory check panicked",
				logging.Any("panic", r),
				logging.String(logging.FieldEventType, "memory_check_panic"),
				logging.String(logging.FieldErrorHint, "inspect component disposers and the memory sampler"),
			)
		}
	}()
	m.CheckMemory()
}

// CheckMemory runs one monitor pass: sample memory, unload idle components,
// and force reclamation when system usage is above the threshold.
func (m *Manager) CheckMemory() CheckResult {
	sample := m.sample()
	result := CheckResult{Memory: sample}
	m.logger.Debug("memory sampled",
		logging.Uint64("rss_bytes", sample.RSSBytes),
		logging.Float64("system_percent", sample.SystemPercent),
		logging.Float64("available_mb", sample.AvailableMB()),
	)

	result.Unloaded = m.UnloadIdle(0)

	if sample.SystemPercent > m.opts.ThresholdPercent {
		result.Pressure = true
		logging.WarnWithContext(m.logger, "high memory usage detected", "memory_pressure",
			logging.Float64("system_percent", sample.SystemPercent),
			logging.Float64("threshold_percent", m.opts.ThresholdPercent),
			logging.Uint64("rss_bytes", sample.RSSBytes),
			logging.String(logging.FieldErrorHint, "lower memory.idle_unload_seconds or free system memory"),
			logging.String(logging.FieldImpact, "idle components unloaded early"),
		)
		if m.forceReclaim() {
			result.Forced = true
			after := m.sample()
			m.logger.Info("memory reclaimed",
				logging.Uint64("rss_bytes", after.RSSBytes),
				logging.String(logging.FieldEventType, "memory_reclaimed"),
			)
		}
	}
	return result
}
