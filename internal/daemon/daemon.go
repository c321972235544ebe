package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"clawd/internal/audit"
	"clawd/internal/config"
	"clawd/internal/dispatch"
	"clawd/internal/events"
	"clawd/internal/lifecycle"
	"clawd/internal/logging"
	"clawd/internal/notifications"
	"clawd/internal/powerstate"
)

// Daemon wires the dispatcher, power state machine, and component lifecycle
// manager together and enforces single-instance execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	dispatcher *dispatch.Dispatcher
	state      *powerstate.Machine
	components *lifecycle.Manager
	trail      *audit.Trail

	auditLog      AuditLog
	sampler       lifecycle.MemorySampler
	probes        map[events.Kind]Probe
	componentDefs []componentDef
	powerMonitor  *bool
	notifier      notifications.Service

	lockPath string
	lock     *flock.Flock

	// mu serializes Start and Stop.
	mu            sync.Mutex
	wireOnce      sync.Once
	wireErr       error
	running       atomic.Bool
	cancel        context.CancelFunc
	cancelPollers context.CancelFunc
	api           *apiServer

	// statusMu guards the fields Status reads while Start or Stop hold mu.
	statusMu  sync.RWMutex
	startedAt time.Time
	pollers   *pollerGroup
	power     *powerMonitor

	// workMu orders Busy/Idle transitions; activeWork is read without it so
	// Status never waits behind a transition callback.
	workMu     sync.Mutex
	activeWork atomic.Int64

	powerMu   sync.Mutex
	lastPower *PowerEvent

	notifyWG       sync.WaitGroup
	forcedReclaims atomic.Uint64
}

// New constructs a daemon. Nothing runs until Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires a configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		probes:   make(map[events.Kind]Probe),
		lockPath: cfg.LockPath(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.lock = flock.New(d.lockPath)
	if d.notifier == nil {
		d.notifier = notifications.NewService(cfg)
	}

	var recorder audit.Recorder
	if d.auditLog != nil {
		recorder = d.auditLog
	}
	d.trail = audit.NewTrail(recorder, logger, audit.ActorSystem)

	d.dispatcher = dispatch.New(dispatch.Options{
		QueueCapacity:      cfg.Dispatch.QueueCapacity,
		Workers:            cfg.Dispatch.WorkerCount,
		HandlerTimeout:     cfg.Dispatch.HandlerTimeout(),
		RetryBaseDelay:     cfg.Dispatch.RetryBaseDelay(),
		RetryMaxDelay:      cfg.Dispatch.RetryMaxDelay(),
		DefaultMaxAttempts: cfg.Dispatch.MaxAttempts,
	}, logger, dispatch.WithFailureHook(d.onEventFailed))

	d.state = powerstate.New(powerstate.Options{
		PowerOptimization: cfg.Power.Optimization,
		IdleTimeout:       cfg.Power.IdleTimeout(),
	}, logger)

	var lifecycleOpts []lifecycle.Option
	if d.sampler != nil {
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithSampler(d.sampler))
	}
	d.components = lifecycle.New(lifecycle.Options{
		IdleUnload:       cfg.Memory.IdleUnload(),
		CheckInterval:    cfg.Memory.CheckInterval(),
		ThresholdPercent: cfg.Memory.ThresholdPercent,
		ReclaimCooldown:  cfg.Memory.ReclaimCooldown(),
	}, logger, lifecycleOpts...)

	if err := d.registerComponents(logger); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) registerComponents(logger *slog.Logger) error {
	provided := make(map[string]bool, len(d.componentDefs))
	for _, def := range d.componentDefs {
		if err := d.components.Register(def.name, def.factory, def.disposer); err != nil {
			return fmt.Errorf("register component %s: %w", def.name, err)
		}
		provided[def.name] = true
	}
	for _, name := range []string{ComponentBrain, ComponentVoice} {
		if provided[name] {
			continue
		}
		if err := d.components.Register(name, NewLogEngineFactory(name, logger), nil); err != nil {
			return fmt.Errorf("register component %s: %w", name, err)
		}
	}
	return nil
}

// Start acquires the instance lock and launches workers, the memory monitor,
// the pollers, and the power monitor. Starting a running daemon is a no-op.
func (d *Daemon) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return nil
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyLocked, d.lockPath)
	}

	d.wireOnce.Do(func() { d.wireErr = d.wire() })
	if d.wireErr != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("wire handlers: %w", d.wireErr)
	}

	// The daemon's lifetime is bounded by Stop, not by the caller's context.
	base, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pollCtx, cancelPollers := context.WithCancel(base)
	d.cancel = cancel
	d.cancelPollers = cancelPollers

	d.dispatcher.Start(base, d.cfg.Dispatch.WorkerCount)
	d.components.StartMonitor(base)
	pollers := d.startPollers(pollCtx)

	var power *powerMonitor
	if d.powerMonitorEnabled() {
		power = newPowerMonitor(d.logger, d.onPowerEvent)
		if err := power.Start(pollCtx); err != nil {
			d.logger.Debug("power monitor not started", logging.Error(err))
		}
	}
	d.statusMu.Lock()
	d.pollers = pollers
	d.power = power
	d.statusMu.Unlock()

	api, err := newAPIServer(d.cfg, d, d.logger)
	if err != nil {
		d.stopLocked(d.cfg.Daemon.ShutdownTimeout())
		return fmt.Errorf("api server: %w", err)
	}
	if err := api.start(base); err != nil {
		d.stopLocked(d.cfg.Daemon.ShutdownTimeout())
		return err
	}
	d.api = api

	d.state.SetIdle()
	d.statusMu.Lock()
	d.startedAt = time.Now()
	d.statusMu.Unlock()
	d.running.Store(true)

	d.trail.Note(ctx, audit.CategoryControl, "daemon_start", true, map[string]any{"pid": os.Getpid()})
	d.logger.Info("clawd daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("workers", d.cfg.Dispatch.WorkerCount),
		logging.Int("pollers", pollers.active()),
		logging.Bool("power_optimization", d.cfg.Power.Optimization),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

func (d *Daemon) powerMonitorEnabled() bool {
	if d.powerMonitor != nil {
		return *d.powerMonitor
	}
	return d.cfg.Power.NetlinkMonitor
}

// Stop cancels the pollers, drains the dispatcher for at most timeout, stops
// the memory monitor, unloads every component, and releases the lock. It is
// safe after a partial start and on a stopped daemon.
func (d *Daemon) Stop(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked(timeout)
}

func (d *Daemon) stopLocked(timeout time.Duration) {
	if d.cancel == nil && !d.running.Load() {
		return
	}
	if timeout <= 0 {
		timeout = d.cfg.Daemon.ShutdownTimeout()
	}

	d.statusMu.RLock()
	pollers := d.pollers
	power := d.power
	d.statusMu.RUnlock()

	if d.cancelPollers != nil {
		d.cancelPollers()
	}
	pollers.wait()
	power.Stop()
	d.api.stop()
	d.dispatcher.Stop(timeout)
	d.components.StopMonitor()
	d.state.Close()
	unloaded := d.components.UnloadAll()
	if d.cancel != nil {
		d.cancel()
	}
	d.notifyWG.Wait()

	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_lock_release_failed",
			logging.String("lock", d.lockPath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the lock file if no daemon is running"),
			logging.String(logging.FieldImpact, "next start may report another instance"),
		)
	}

	wasRunning := d.running.Swap(false)
	d.cancel = nil
	d.cancelPollers = nil
	d.api = nil
	d.statusMu.Lock()
	d.pollers = nil
	d.power = nil
	d.statusMu.Unlock()

	if wasRunning {
		d.trail.Note(context.Background(), audit.CategoryControl, "daemon_stop", true,
			map[string]any{"unloaded": len(unloaded)})
	}
	d.logger.Info("clawd daemon stopped",
		logging.Int("unloaded_components", len(unloaded)),
		logging.String(logging.FieldEventType, "daemon_stopped"),
	)
}

// Close stops the daemon using the configured shutdown timeout.
func (d *Daemon) Close() error {
	d.Stop(d.cfg.Daemon.ShutdownTimeout())
	return nil
}

// Running reports whether the daemon has been started.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// LockPath returns the instance lock location.
func (d *Daemon) LockPath() string {
	return d.lockPath
}

// Emit builds an event and queues it.
func (d *Daemon) Emit(kind events.Kind, payload any, priority events.Priority) (*events.Event, error) {
	return d.dispatcher.Emit(kind, payload, priority)
}

// Wake records activity and moves a sleeping daemon back to Idle. It reports
// whether the daemon was asleep.
func (d *Daemon) Wake() bool {
	woke := d.state.Activity()
	if woke {
		d.trail.Note(context.Background(), audit.CategoryControl, "wake", true, nil)
	}
	return woke
}

// UnloadComponent drops the named component's instance.
func (d *Daemon) UnloadComponent(name string) (bool, error) {
	unloaded, err := d.components.Unload(name)
	if errors.Is(err, lifecycle.ErrNotRegistered) {
		return false, err
	}
	d.trail.Note(context.Background(), audit.CategoryComponent, "unload", err == nil,
		map[string]any{"component": name, "unloaded": unloaded})
	return unloaded, err
}

// AuditTail returns audit entries newer than since, newest first.
func (d *Daemon) AuditTail(ctx context.Context, since time.Time, limit int) ([]audit.Entry, error) {
	if d.auditLog == nil {
		return nil, ErrAuditDisabled
	}
	return d.auditLog.Recent(ctx, since, limit)
}

// Dispatcher exposes the event dispatcher.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.dispatcher }

// State exposes the power state machine.
func (d *Daemon) State() *powerstate.Machine { return d.state }

// Components exposes the component lifecycle manager.
func (d *Daemon) Components() *lifecycle.Manager { return d.components }
