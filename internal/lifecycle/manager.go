package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"clawd/internal/logging"
)

// Options tunes unloading and the memory monitor.
type Options struct {
	IdleUnload       time.Duration
	CheckInterval    time.Duration
	ThresholdPercent float64
	ReclaimCooldown  time.Duration
}

// DefaultOptions returns the stock lifecycle settings.
func DefaultOptions() Options {
	return Options{
		IdleUnload:       300 * time.Second,
		CheckInterval:    60 * time.Second,
		ThresholdPercent: 85,
		ReclaimCooldown:  30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.IdleUnload <= 0 {
		o.IdleUnload = def.IdleUnload
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = def.CheckInterval
	}
	if o.ThresholdPercent <= 0 {
		o.ThresholdPercent = def.ThresholdPercent
	}
	if o.ReclaimCooldown < 0 {
		o.ReclaimCooldown = def.ReclaimCooldown
	}
	return o
}

// Option configures optional Manager behavior.
type Option func(*Manager)

// WithSampler replaces the system memory sampler.
func WithSampler(s MemorySampler) Option {
	return func(m *Manager) {
		if s != nil {
			m.sampler = s
		}
	}
}

// Stats is a snapshot of the registry and memory bookkeeping.
type Stats struct {
	Components       []ComponentStats `json:"components"`
	TotalComponents  int              `json:"total_components"`
	LoadedComponents int              `json:"loaded_components"`
	Reclaims         uint64           `json:"reclaims"`
	ForcedReclaims   uint64           `json:"forced_reclaims"`
	LastReclaim      time.Time        `json:"last_reclaim,omitempty"`
	LastForced       time.Time        `json:"last_forced,omitempty"`
	Memory           MemorySample     `json:"memory"`
	PeakRSSBytes     uint64           `json:"peak_rss_bytes"`
	MonitorRunning   bool             `json:"monitor_running"`
}

// Manager is the registry of lazily loaded components.
type Manager struct {
	opts    Options
	logger  *slog.Logger
	sampler MemorySampler

	mu         sync.RWMutex
	components map[string]*component

	// sweepMu keeps idle sweeps from overlapping.
	sweepMu sync.Mutex

	reclaimMu      sync.Mutex
	reclaims       uint64
	forcedReclaims uint64
	lastReclaim    time.Time
	lastForced     time.Time

	sampleMu   sync.Mutex
	lastSample MemorySample
	peakRSS    uint64

	monitorMu     sync.Mutex
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New constructs an empty manager.
func New(opts Options, logger *slog.Logger, options ...Option) *Manager {
	m := &Manager{
		opts:       opts.withDefaults(),
		logger:     logging.NewComponentLogger(logger, "lifecycle"),
		sampler:    NewSystemSampler(),
		components: make(map[string]*component),
	}
	for _, opt := range options {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Options returns the effective settings.
func (m *Manager) Options() Options {
	return m.opts
}

// Register adds a component definition. Re-registering a name unloads the
// live instance of the previous definition first.
func (m *Manager) Register(name string, factory Factory, disposer Disposer) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("register component: empty name")
	}
	if factory == nil {
		return fmt.Errorf("register component %s: nil factory", name)
	}

	next := newComponent(name, factory, disposer)
	m.mu.Lock()
	prev := m.components[name]
	m.components[name] = next
	m.mu.Unlock()

	if prev == nil {
		m.logger.Debug("component registered", logging.String("component_name", name))
		return nil
	}
	prev.retire()
	unloaded, err := prev.release(nil)
	if unloaded {
		m.reclaim()
	}
	m.logger.Info("component re-registered",
		logging.String("component_name", name),
		logging.Bool("previous_unloaded", unloaded),
		logging.String(logging.FieldEventType, "component_reregistered"),
	)
	if err != nil {
		return fmt.Errorf("replace component %s: %w", name, err)
	}
	return nil
}

// Names returns registered component names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.components))
	for name := range m.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) lookup(name string) (*component, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[name]
	return c, ok
}

// Get returns the named component, loading it if it is not loaded.
func (m *Manager) Get(name string) (any, error) {
	for {
		c, ok := m.lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
		}
		instance, loadedNow, err := c.acquire()
		if errors.Is(err, errRetired) {
			continue
		}
		if err != nil {
			logging.ErrorWithContext(m.logger, "component load failed", "component_load_failed",
				logging.String("component_name", name),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the component factory and its dependencies"),
			)
			return nil, err
		}
		if loadedNow {
			st := c.stats(time.Now())
			m.logger.Info("component loaded",
				logging.String("component_name", name),
				logging.Duration("load_duration", st.LoadDuration),
				logging.String(logging.FieldEventType, "component_loaded"),
			)
		}
		return instance, nil
	}
}

// Borrow is Get with a type assertion.
func Borrow[T any](m *Manager, name string) (T, error) {
	var zero T
	instance, err := m.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := instance.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T", ErrTypeMismatch, name, instance)
	}
	return typed, nil
}

// Loaded reports whether the named component currently holds an instance.
func (m *Manager) Loaded(name string) bool {
	c, ok := m.lookup(name)
	if !ok {
		return false
	}
	return c.stats(time.Now()).Loaded
}

// Unload releases the named component. It reports whether an instance was
// dropped. A disposer error is returned after the instance is cleared.
func (m *Manager) Unload(name string) (bool, error) {
	c, ok := m.lookup(name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	unloaded, err := c.release(nil)
	m.afterUnload([]string{name}, unloaded, err)
	if unloaded {
		m.reclaim()
	}
	return unloaded, err
}

// UnloadIdle releases components idle longer than threshold. A non-positive
// threshold uses Options.IdleUnload.
func (m *Manager) UnloadIdle(threshold time.Duration) []string {
	if threshold <= 0 {
		threshold = m.opts.IdleUnload
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	now := time.Now()
	return m.releaseAll(func(c *component) bool {
		return c.idleFor(now) > threshold
	})
}

// UnloadAll releases every loaded component.
func (m *Manager) UnloadAll() []string {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	return m.releaseAll(nil)
}

func (m *Manager) releaseAll(cond func(*component) bool) []string {
	m.mu.RLock()
	list := make([]*component, 0, len(m.components))
	for _, c := range m.components {
		list = append(list, c)
	}
	m.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].name < list[j].name })

	var unloaded []string
	for _, c := range list {
		ok, err := c.release(cond)
		m.afterUnload([]string{c.name}, ok, err)
		if ok {
			unloaded = append(unloaded, c.name)
		}
	}
	if len(unloaded) > 0 {
		m.reclaim()
		m.logger.Info("components unloaded",
			logging.String("components", strings.Join(unloaded, ",")),
			logging.Int("count", len(unloaded)),
			logging.String(logging.FieldEventType, "components_unloaded"),
		)
	}
	return unloaded
}

func (m *Manager) afterUnload(names []string, unloaded bool, err error) {
	if err != nil {
		logging.WarnWithContext(m.logger, "component disposer failed; instance dropped anyway", "component_dispose_failed",
			logging.String("component_name", strings.Join(names, ",")),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the component disposer"),
			logging.String(logging.FieldImpact, "resources held by the instance may leak"),
		)
		return
	}
	if unloaded {
		m.logger.Debug("component unloaded", logging.String("component_name", strings.Join(names, ",")))
	}
}

// reclaim asks the runtime to collect the dropped instances.
func (m *Manager) reclaim() {
	runtime.GC()
	m.reclaimMu.Lock()
	m.reclaims++
	m.lastReclaim = time.Now()
	m.reclaimMu.Unlock()
}

// forceReclaim returns freed memory to the OS, at most once per cooldown.
func (m *Manager) forceReclaim() bool {
	m.reclaimMu.Lock()
	if !m.lastForced.IsZero() && time.Since(m.lastForced) < m.opts.ReclaimCooldown {
		m.reclaimMu.Unlock()
		return false
	}
	m.lastForced = time.Now()
	m.forcedReclaims++
	m.reclaimMu.Unlock()

	debug.FreeOSMemory()
	return true
}

// Stats returns a snapshot of every component plus memory bookkeeping.
func (m *Manager) Stats() Stats {
	sample := m.sample()

	m.mu.RLock()
	list := make([]*component, 0, len(m.components))
	for _, c := range m.components {
		list = append(list, c)
	}
	m.mu.RUnlock()

	now := time.Now()
	st := Stats{Components: make([]ComponentStats, 0, len(list)), Memory: sample}
	for _, c := range list {
		cs := c.stats(now)
		st.Components = append(st.Components, cs)
		if cs.Loaded {
			st.LoadedComponents++
		}
	}
	sort.Slice(st.Components, func(i, j int) bool { return st.Components[i].Name < st.Components[j].Name })
	st.TotalComponents = len(st.Components)

	m.reclaimMu.Lock()
	st.Reclaims = m.reclaims
	st.ForcedReclaims = m.forcedReclaims
	st.LastReclaim = m.lastReclaim
	st.LastForced = m.lastForced
	m.reclaimMu.Unlock()

	m.sampleMu.Lock()
	st.PeakRSSBytes = m.peakRSS
	m.sampleMu.Unlock()

	st.MonitorRunning = m.MonitorRunning()
	return st
}

// sample reads memory and tracks the peak RSS. Sampling errors keep the last
// good reading.
func (m *Manager) sample() MemorySample {
	sample, err := m.safeSample()
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()
	if err != nil {
		m.logger.Debug("memory sample failed", logging.Error(err))
		if sample.SampledAt.IsZero() {
			return m.lastSample
		}
	}
	m.lastSample = sample
	if sample.RSSBytes > m.peakRSS {
		m.peakRSS = sample.RSSBytes
	}
	return sample
}

func (m *Manager) safeSample() (sample MemorySample, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memory sampler panicked: %v", r)
		}
	}()
	return m.sampler.Sample()
}
