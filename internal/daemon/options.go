package daemon

import (
	"context"
	"time"

	"clawd/internal/audit"
	"clawd/internal/events"
	"clawd/internal/lifecycle"
	"clawd/internal/notifications"
)

// Component names used by the built-in handlers.
const (
	ComponentBrain = "brain"
	ComponentVoice = "voice"
)

// Probe reports whether an external source has new work.
type Probe func(ctx context.Context) (bool, error)

// AuditLog records entries and serves them back for inspection.
type AuditLog interface {
	audit.Recorder
	Recent(ctx context.Context, since time.Time, limit int) ([]audit.Entry, error)
}

type componentDef struct {
	name     string
	factory  lifecycle.Factory
	disposer lifecycle.Disposer
}

// Option configures optional Daemon collaborators.
type Option func(*Daemon)

// WithProbe attaches the new-work probe for a polled source. Only call,
// whatsapp, and telegram are polled.
func WithProbe(kind events.Kind, probe Probe) Option {
	return func(d *Daemon) {
		if probe != nil {
			d.probes[kind] = probe
		}
	}
}

// WithComponent registers a lazily loaded component. Registering brain or
// voice replaces the built-in logging engine.
func WithComponent(name string, factory lifecycle.Factory, disposer lifecycle.Disposer) Option {
	return func(d *Daemon) {
		if factory != nil {
			d.componentDefs = append(d.componentDefs, componentDef{name: name, factory: factory, disposer: disposer})
		}
	}
}

// WithAuditLog records handler runs, state changes, and terminal failures.
func WithAuditLog(log AuditLog) Option {
	return func(d *Daemon) {
		d.auditLog = log
	}
}

// WithMemorySampler replaces the system memory sampler.
func WithMemorySampler(s lifecycle.MemorySampler) Option {
	return func(d *Daemon) {
		d.sampler = s
	}
}

// WithPowerMonitor overrides power.netlink_monitor.
func WithPowerMonitor(enabled bool) Option {
	return func(d *Daemon) {
		d.powerMonitor = &enabled
	}
}

// WithLockPath overrides the instance lock location.
func WithLockPath(path string) Option {
	return func(d *Daemon) {
		if path != "" {
			d.lockPath = path
		}
	}
}

// WithNotifier replaces the ntfy service built from notifications config.
func WithNotifier(n notifications.Service) Option {
	return func(d *Daemon) {
		d.notifier = n
	}
}
