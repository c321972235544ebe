package daemon

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"clawd/internal/logging"
)

// PowerEvent is a power-supply change reported by the kernel.
type PowerEvent struct {
	Action   string    `json:"action"`
	Supply   string    `json:"supply"`
	Type     string    `json:"type,omitempty"`
	Status   string    `json:"status,omitempty"`
	Online   *bool     `json:"online,omitempty"`
	Capacity int       `json:"capacity_percent"`
	At       time.Time `json:"at"`
}

// OnBattery reports whether the event describes a discharging battery or an
// unplugged mains adapter.
func (p PowerEvent) OnBattery() bool {
	if strings.EqualFold(p.Status, "Discharging") {
		return true
	}
	return strings.EqualFold(p.Type, "Mains") && p.Online != nil && !*p.Online
}

func (p PowerEvent) details() map[string]any {
	details := map[string]any{
		"supply":     p.Supply,
		"type":       p.Type,
		"status":     p.Status,
		"on_battery": p.OnBattery(),
	}
	if p.Capacity >= 0 {
		details["capacity_percent"] = p.Capacity
	}
	return details
}

// powerMonitor listens for udev netlink power_supply events so the daemon can
// react to AC and battery changes without polling sysfs.
type powerMonitor struct {
	logger  *slog.Logger
	handler func(ctx context.Context, ev PowerEvent)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	done    chan struct{}
	running bool
}

func newPowerMonitor(logger *slog.Logger, handler func(ctx context.Context, ev PowerEvent)) *powerMonitor {
	return &powerMonitor{
		logger:  logging.NewComponentLogger(logger, "netlink-monitor"),
		handler: handler,
	}
}

// Start begins listening for udev netlink events. Connection failures are
// logged and leave the monitor stopped.
func (m *powerMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket; power changes will not be tracked", "netlink_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "ensure the daemon may open NETLINK_KOBJECT_UEVENT sockets or set power.netlink_monitor = false"),
			logging.String(logging.FieldImpact, "power supply events unavailable"),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	go m.monitorLoop(ctx, conn, m.quit, m.done)

	m.logger.Info("netlink monitor started",
		logging.String(logging.FieldEventType, "netlink_monitor_started"),
	)
	return nil
}

// Stop shuts down the monitor and waits for its loop to exit.
func (m *powerMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.quit)
	done := m.done
	conn := m.conn
	m.quit = nil
	m.done = nil
	m.conn = nil
	m.running = false
	m.mu.Unlock()

	<-done
	if conn != nil {
		_ = conn.Close()
	}
	m.logger.Info("netlink monitor stopped",
		logging.String(logging.FieldEventType, "netlink_monitor_stopped"),
	)
}

// Running reports whether the monitor is active.
func (m *powerMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *powerMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildPowerMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(ctx, uevent)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "netlink monitor error", "netlink_monitor_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "power changes may be missed"),
			)
		}
	}
}

// buildPowerMatcher matches SUBSYSTEM=power_supply with ACTION=add|change|remove.
func buildPowerMatcher() netlink.Matcher {
	action := "add|change|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "power_supply",
		},
	})
	return rules
}

func (m *powerMonitor) handleEvent(ctx context.Context, uevent netlink.UEvent) {
	ev, ok := parsePowerEvent(uevent)
	if !ok {
		m.logger.Debug("ignoring power event without supply name",
			logging.String("action", string(uevent.Action)),
			logging.String("kobj", uevent.KObj),
		)
		return
	}
	m.logger.Debug("power supply event",
		logging.String("supply", ev.Supply),
		logging.String("action", ev.Action),
		logging.String("status", ev.Status),
	)
	if m.handler != nil {
		m.handler(ctx, ev)
	}
}

// parsePowerEvent extracts supply details from a uevent.
func parsePowerEvent(uevent netlink.UEvent) (PowerEvent, bool) {
	name := uevent.Env["POWER_SUPPLY_NAME"]
	if name == "" {
		// Fall back to the last DEVPATH element (e.g. .../power_supply/BAT0).
		if parts := strings.Split(uevent.Env["DEVPATH"], "/"); len(parts) > 0 {
			name = parts[len(parts)-1]
		}
	}
	if name == "" {
		return PowerEvent{}, false
	}

	ev := PowerEvent{
		Action:   string(uevent.Action),
		Supply:   name,
		Type:     uevent.Env["POWER_SUPPLY_TYPE"],
		Status:   uevent.Env["POWER_SUPPLY_STATUS"],
		Capacity: -1,
		At:       time.Now(),
	}
	if online, ok := uevent.Env["POWER_SUPPLY_ONLINE"]; ok {
		value := online == "1"
		ev.Online = &value
	}
	if capacity, err := strconv.Atoi(uevent.Env["POWER_SUPPLY_CAPACITY"]); err == nil {
		ev.Capacity = capacity
	}
	return ev, true
}
