package daemon

import (
	"context"
	"errors"
	"fmt"

	"clawd/internal/audit"
	"clawd/internal/dispatch"
	"clawd/internal/events"
	"clawd/internal/lifecycle"
	"clawd/internal/logging"
	"clawd/internal/notifications"
	"clawd/internal/powerstate"
)

// wire registers state callbacks and per-kind handlers. It runs once per daemon.
func (d *Daemon) wire() error {
	var errs []error
	errs = append(errs,
		d.state.RegisterCallback(powerstate.Sleeping, d.onSleep),
		d.state.RegisterCallback(powerstate.Idle, d.onIdle),
	)
	for _, st := range powerstate.States() {
		errs = append(errs, d.state.RegisterCallback(st, d.auditTransition))
	}

	handlers := []struct {
		kind    events.Kind
		handler dispatch.Handler
	}{
		{events.KindCall, d.engineHandler(ComponentVoice, "handle_call")},
		{events.KindWhatsApp, d.engineHandler(ComponentBrain, "handle_whatsapp")},
		{events.KindTelegram, d.engineHandler(ComponentBrain, "handle_telegram")},
		{events.KindUser, d.engineHandler(ComponentBrain, "handle_user")},
		{events.KindMemoryCheck, d.handleMemoryCheck},
		{events.KindSystem, d.handleSystem},
	}
	for _, h := range handlers {
		errs = append(errs, d.dispatcher.RegisterHandler(h.kind, h.handler))
	}
	return errors.Join(errs...)
}

func (d *Daemon) onSleep(powerstate.Transition) error {
	d.logger.Info("entering sleep mode; unloading components",
		logging.String(logging.FieldEventType, "daemon_sleep"),
	)
	d.components.UnloadAll()
	return nil
}

func (d *Daemon) onIdle(tr powerstate.Transition) error {
	if tr.From == powerstate.Sleeping {
		d.logger.Info("waking from sleep mode",
			logging.String(logging.FieldEventType, "daemon_wake"),
		)
	}
	return nil
}

func (d *Daemon) auditTransition(tr powerstate.Transition) error {
	d.trail.Note(context.Background(), audit.CategoryState, "state_"+tr.To.String(), true,
		map[string]any{"from": tr.From.String(), "to": tr.To.String()})
	return nil
}

// beginWork marks the daemon busy. Busy and Idle are reference counted so one
// handler finishing does not flip the daemon idle under another.
func (d *Daemon) beginWork() {
	d.workMu.Lock()
	defer d.workMu.Unlock()
	if d.activeWork.Add(1) == 1 {
		d.state.SetBusy()
	}
}

func (d *Daemon) endWork() {
	d.workMu.Lock()
	defer d.workMu.Unlock()
	if d.activeWork.Load() == 0 {
		return
	}
	if d.activeWork.Add(-1) == 0 {
		d.state.SetIdle()
	}
}

func (d *Daemon) activeHandlers() int {
	return int(d.activeWork.Load())
}

// engineHandler borrows component and passes the event to its Engine.
func (d *Daemon) engineHandler(component, action string) dispatch.Handler {
	return func(ctx context.Context, ev *events.Event) error {
		d.beginWork()
		defer d.endWork()

		logging.WithContext(ctx, d.logger).Info("processing event",
			logging.String("handler_component", component),
			logging.String(logging.FieldEventType, action),
		)
		details := map[string]any{
			"event_id":   ev.ID,
			"event_kind": ev.Kind.String(),
			"attempt":    ev.Attempt,
			"component":  component,
		}
		return d.trail.Run(ctx, audit.CategoryHandler, action, details, func(ctx context.Context) error {
			engine, err := lifecycle.Borrow[Engine](d.components, component)
			if err != nil {
				return fmt.Errorf("borrow %s: %w", component, err)
			}
			return engine.Handle(ctx, ev)
		})
	}
}

func (d *Daemon) handleMemoryCheck(ctx context.Context, _ *events.Event) error {
	stats := d.components.Stats()
	logging.WithContext(ctx, d.logger).Debug("memory stats",
		logging.Uint64("rss_bytes", stats.Memory.RSSBytes),
		logging.Uint64("peak_rss_bytes", stats.PeakRSSBytes),
		logging.Float64("system_percent", stats.Memory.SystemPercent),
		logging.Int("loaded_components", stats.LoadedComponents),
		logging.Int("total_components", stats.TotalComponents),
		logging.String(logging.FieldEventType, "memory_stats"),
	)
	d.notifyForcedReclaim(stats.ForcedReclaims, stats.Memory.SystemPercent)
	return nil
}

func (d *Daemon) handleSystem(ctx context.Context, ev *events.Event) error {
	logger := logging.WithContext(ctx, d.logger)
	pe, ok := ev.Payload.(PowerEvent)
	if !ok {
		logger.Info("system event", logging.Any("payload", ev.Payload), logging.String(logging.FieldEventType, "system_event"))
		return nil
	}
	d.powerMu.Lock()
	wasOnBattery := d.lastPower != nil && d.lastPower.OnBattery()
	d.lastPower = &pe
	d.powerMu.Unlock()

	logger.Info("power supply changed",
		logging.String("supply", pe.Supply),
		logging.String("action", pe.Action),
		logging.String("status", pe.Status),
		logging.Bool("on_battery", pe.OnBattery()),
		logging.Int("capacity_percent", pe.Capacity),
		logging.String(logging.FieldEventType, "power_event"),
	)
	d.trail.Note(ctx, audit.CategoryEvent, "power_"+pe.Action, true, pe.details())
	if pe.OnBattery() && !wasOnBattery {
		d.notify(notifications.EventPowerOnBattery, notifications.Payload(pe.details()))
	}
	return nil
}

func (d *Daemon) onEventFailed(ev *events.Event, err error) {
	d.trail.Note(context.Background(), audit.CategoryEvent, "event_failed", false, map[string]any{
		"event_id":   ev.ID,
		"event_kind": ev.Kind.String(),
		"priority":   ev.Priority.String(),
		"attempts":   ev.Attempt,
		"error":      err.Error(),
	})
	d.notify(notifications.EventHandlerFailed, notifications.Payload{
		"kind":     ev.Kind.String(),
		"event_id": ev.ID,
		"attempts": ev.Attempt,
		"error":    err.Error(),
	})
}

func (d *Daemon) onPowerEvent(_ context.Context, pe PowerEvent) {
	if _, err := d.Emit(events.KindSystem, pe, events.PriorityNormal); err != nil {
		logging.WarnWithContext(d.logger, "power event not queued", "power_event_dropped",
			logging.String("supply", pe.Supply),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "raise dispatch.queue_capacity if the queue is saturated"),
			logging.String(logging.FieldImpact, "power change not recorded"),
		)
	}
}

// LastPowerEvent returns the most recent handled power change, if any.
func (d *Daemon) LastPowerEvent() (PowerEvent, bool) {
	d.powerMu.Lock()
	defer d.powerMu.Unlock()
	if d.lastPower == nil {
		return PowerEvent{}, false
	}
	return *d.lastPower, true
}
