package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"clawd/internal/dispatch"
	"clawd/internal/events"
	"clawd/internal/logging"
)

// probeErrorBackoff is the pause after a failed probe before trying again.
const probeErrorBackoff = time.Second

// PollerStatus describes one poller.
type PollerStatus struct {
	Source       string        `json:"source"`
	Kind         string        `json:"kind"`
	Interval     time.Duration `json:"interval"`
	Enabled      bool          `json:"enabled"`
	Signals      uint64        `json:"signals"`
	Errors       uint64        `json:"errors"`
	LastError    string        `json:"last_error,omitempty"`
	LastSignalAt time.Time     `json:"last_signal_at,omitempty"`
}

type poller struct {
	source   string
	kind     events.Kind
	priority events.Priority
	interval time.Duration
	probe    Probe
	payload  map[string]string

	mu           sync.Mutex
	signals      uint64
	errors       uint64
	lastErr      string
	lastSignalAt time.Time
	failing      bool
}

type pollerGroup struct {
	group   *errgroup.Group
	pollers []*poller
}

func (d *Daemon) pollerSpecs() []*poller {
	polling := d.cfg.Polling
	always := func(context.Context) (bool, error) { return true, nil }
	return []*poller{
		{source: "calls", kind: events.KindCall, priority: events.PriorityHigh,
			interval: polling.Interval(polling.CallIntervalMS), probe: d.probes[events.KindCall],
			payload: map[string]string{"type": "incoming"}},
		{source: "whatsapp", kind: events.KindWhatsApp, priority: events.PriorityNormal,
			interval: polling.Interval(polling.WhatsAppIntervalMS), probe: d.probes[events.KindWhatsApp],
			payload: map[string]string{"type": "message"}},
		{source: "telegram", kind: events.KindTelegram, priority: events.PriorityNormal,
			interval: polling.Interval(polling.TelegramIntervalMS), probe: d.probes[events.KindTelegram],
			payload: map[string]string{"type": "message"}},
		{source: "memory", kind: events.KindMemoryCheck, priority: events.PriorityLow,
			interval: polling.Interval(polling.MemoryCheckIntervalMS), probe: always,
			payload: map[string]string{"type": "check"}},
	}
}

func (d *Daemon) startPollers(ctx context.Context) *pollerGroup {
	group, gctx := errgroup.WithContext(ctx)
	pg := &pollerGroup{group: group, pollers: d.pollerSpecs()}
	for _, p := range pg.pollers {
		if p.probe == nil {
			d.logger.Debug("poller disabled; no probe attached", logging.String("source", p.source))
			continue
		}
		group.Go(func() error {
			d.runPoller(gctx, p)
			return nil
		})
	}
	return pg
}

func (pg *pollerGroup) wait() {
	if pg == nil {
		return
	}
	_ = pg.group.Wait()
}

func (pg *pollerGroup) active() int {
	if pg == nil {
		return 0
	}
	n := 0
	for _, p := range pg.pollers {
		if p.probe != nil {
			n++
		}
	}
	return n
}

func (pg *pollerGroup) status() []PollerStatus {
	if pg == nil {
		return nil
	}
	out := make([]PollerStatus, 0, len(pg.pollers))
	for _, p := range pg.pollers {
		out = append(out, p.status())
	}
	return out
}

func (d *Daemon) runPoller(ctx context.Context, p *poller) {
	logger := d.logger.With(logging.String("source", p.source))
	logger.Info("poller started",
		logging.Duration("interval", p.interval),
		logging.String(logging.FieldEventType, "poller_started"),
	)
	defer logger.Info("poller stopped", logging.String(logging.FieldEventType, "poller_stopped"))

	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := p.interval
		found, err := safeProbe(ctx, p.probe)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			wait = probeErrorBackoff
			if p.recordError(err) {
				logging.WarnWithContext(logger, "poller probe failed", "poller_probe_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check the adapter that feeds this source"),
					logging.String(logging.FieldImpact, "new work from this source is delayed"),
				)
			}
		default:
			if p.recordSuccess() {
				logger.Info("poller probe recovered", logging.String(logging.FieldEventType, "poller_recovered"))
			}
			if found {
				d.emitFromPoller(logger, p)
			}
		}
		timer.Reset(wait)
	}
}

func (d *Daemon) emitFromPoller(logger *slog.Logger, p *poller) {
	payload := make(map[string]string, len(p.payload)+1)
	for k, v := range p.payload {
		payload[k] = v
	}
	payload["source"] = p.source
	ev, err := d.Emit(p.kind, payload, p.priority)
	if err != nil {
		p.recordError(err)
		if errors.Is(err, dispatch.ErrQueueFull) {
			logging.WarnWithContext(d.logger, "event queue full; poller signal dropped", "poller_event_dropped",
				logging.String("source", p.source),
				logging.String(logging.FieldErrorHint, "raise dispatch.queue_capacity or add workers"),
				logging.String(logging.FieldImpact, "signal from this source was lost"),
			)
		}
		return
	}
	p.mu.Lock()
	p.signals++
	p.lastSignalAt = time.Now()
	p.mu.Unlock()
	logger.Debug("poller emitted event", logging.String(logging.FieldEventID, ev.ID))
}

func safeProbe(ctx context.Context, probe Probe) (found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			found, err = false, fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return probe(ctx)
}

// recordError reports whether this error starts a failure streak.
func (p *poller) recordError(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errors++
	p.lastErr = err.Error()
	first := !p.failing
	p.failing = true
	return first
}

// recordSuccess reports whether this success ends a failure streak.
func (p *poller) recordSuccess() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	recovered := p.failing
	p.failing = false
	return recovered
}

func (p *poller) status() PollerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PollerStatus{
		Source:       p.source,
		Kind:         p.kind.String(),
		Interval:     p.interval,
		Enabled:      p.probe != nil,
		Signals:      p.signals,
		Errors:       p.errors,
		LastError:    p.lastErr,
		LastSignalAt: p.lastSignalAt,
	}
}
