package lifecycle

import (
	"fmt"
	"sync"
	"time"
)

// Factory builds a component instance.
type Factory func() (any, error)

// Disposer releases resources held by an instance before it is dropped.
type Disposer func(any) error

// ComponentStats describes one registered component.
type ComponentStats struct {
	Name           string        `json:"name"`
	Loaded         bool          `json:"loaded"`
	AccessCount    uint64        `json:"access_count"`
	Loads          uint64        `json:"loads"`
	IdleSeconds    float64       `json:"idle_seconds"`
	LoadedAt       time.Time     `json:"loaded_at,omitempty"`
	LastAccessedAt time.Time     `json:"last_accessed_at,omitempty"`
	LoadDuration   time.Duration `json:"load_duration"`
}

type component struct {
	name     string
	factory  Factory
	disposer Disposer

	// cycleMu serializes load and unload so a factory runs at most once per cycle.
	cycleMu sync.Mutex

	mu           sync.Mutex
	instance     any
	loaded       bool
	retired      bool
	loadedAt     time.Time
	lastAccessed time.Time
	accessCount  uint64
	loads        uint64
	loadDuration time.Duration
}

func newComponent(name string, factory Factory, disposer Disposer) *component {
	return &component{name: name, factory: factory, disposer: disposer}
}

// acquire returns the instance, loading it first if needed. loadedNow reports
// whether this call ran the factory.
func (c *component) acquire() (instance any, loadedNow bool, err error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return nil, false, errRetired
	}
	if c.loaded {
		c.lastAccessed = time.Now()
		c.accessCount++
		instance = c.instance
		c.mu.Unlock()
		return instance, false, nil
	}
	c.mu.Unlock()

	start := time.Now()
	instance, err = callFactory(c.factory)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %w", ErrFactoryFailed, c.name, err)
	}
	now := time.Now()

	c.mu.Lock()
	c.instance = instance
	c.loaded = true
	c.loadedAt = now
	c.lastAccessed = now
	c.loadDuration = now.Sub(start)
	c.accessCount++
	c.loads++
	c.mu.Unlock()
	return instance, true, nil
}

// release unloads the instance when cond approves it. The instance is always
// cleared once the disposer has been called, whatever the disposer returns.
func (c *component) release(cond func(*component) bool) (bool, error) {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	c.mu.Lock()
	if !c.loaded || (cond != nil && !cond(c)) {
		c.mu.Unlock()
		return false, nil
	}
	instance := c.instance
	c.mu.Unlock()

	var err error
	if c.disposer != nil {
		err = callDisposer(c.disposer, instance)
	}

	c.mu.Lock()
	c.instance = nil
	c.loaded = false
	c.mu.Unlock()
	if err != nil {
		return true, fmt.Errorf("dispose %s: %w", c.name, err)
	}
	return true, nil
}

// retire marks the definition as replaced so late callers look it up again.
func (c *component) retire() {
	c.mu.Lock()
	c.retired = true
	c.mu.Unlock()
}

// idleFor must be called with mu held.
func (c *component) idleFor(now time.Time) time.Duration {
	if c.lastAccessed.IsZero() {
		return 0
	}
	return now.Sub(c.lastAccessed)
}

func (c *component) stats(now time.Time) ComponentStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ComponentStats{
		Name:           c.name,
		Loaded:         c.loaded,
		AccessCount:    c.accessCount,
		Loads:          c.loads,
		LastAccessedAt: c.lastAccessed,
		LoadDuration:   c.loadDuration,
	}
	if c.loaded {
		st.LoadedAt = c.loadedAt
		st.IdleSeconds = c.idleFor(now).Seconds()
	}
	return st
}

func callFactory(factory Factory) (instance any, err error) {
	defer func() {
		if r := recover(); r != nil {
			instance, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	instance, err = factory()
	if err == nil && instance == nil {
		err = fmt.Errorf("factory returned nil instance")
	}
	return instance, err
}

func callDisposer(disposer Disposer, instance any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("disposer panicked: %v", r)
		}
	}()
	return disposer(instance)
}
