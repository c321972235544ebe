package powerstate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"clawd/internal/logging"
)

// ErrInvalidState rejects values outside Idle, Busy and Sleeping.
var ErrInvalidState = errors.New("invalid operating state")

// State is the daemon's activity mode.
type State int

const (
	Idle State = iota
	Busy
	Sleeping
)

var stateNames = [...]string{"idle", "busy", "sleeping"}

// States returns every state in declaration order.
func States() []State {
	return []State{Idle, Busy, Sleeping}
}

// Valid reports whether s is a declared state.
func (s State) Valid() bool {
	return s >= Idle && s <= Sleeping
}

func (s State) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState resolves a state name.
func ParseState(value string) (State, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for i, name := range stateNames {
		if name == normalized {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidState, value)
}

// Transition describes a committed state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Callback runs after a transition into the state it was registered for.
// Callbacks run while the transition lock is held and must not transition the
// machine themselves.
type Callback func(Transition) error

// Options controls the idle-to-sleep behavior.
type Options struct {
	PowerOptimization bool
	IdleTimeout       time.Duration
}

// DefaultOptions enables power optimization with a five minute idle timeout.
func DefaultOptions() Options {
	return Options{PowerOptimization: true, IdleTimeout: 300 * time.Second}
}

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State          State         `json:"state"`
	EnteredAt      time.Time     `json:"entered_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	IdleDuration   time.Duration `json:"idle_duration"`
	SleepScheduled bool          `json:"sleep_scheduled"`
	SleepAt        time.Time     `json:"sleep_at,omitempty"`
	Transitions    uint64        `json:"transitions"`
}

// Machine owns the single operating state of the daemon.
type Machine struct {
	opts   Options
	logger *slog.Logger

	// transMu serializes transitions together with their callbacks.
	transMu sync.Mutex

	mu           sync.RWMutex
	state        State
	enteredAt    time.Time
	lastActivity time.Time
	timer        *time.Timer
	timerGen     uint64
	sleepAt      time.Time
	transitions  uint64
	callbacks    map[State][]Callback
}

// New returns a machine in the Idle state. No sleep timer is armed until the
// first SetIdle.
func New(opts Options, logger *slog.Logger) *Machine {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultOptions().IdleTimeout
	}
	now := time.Now()
	return &Machine{
		opts:         opts,
		logger:       logging.NewComponentLogger(logger, "powerstate"),
		state:        Idle,
		enteredAt:    now,
		lastActivity: now,
		callbacks:    make(map[State][]Callback),
	}
}

// RegisterCallback appends fn to the callbacks for state.
func (m *Machine) RegisterCallback(state State, fn Callback) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidState, int(state))
	}
	if fn == nil {
		return errors.New("register callback: nil callback")
	}
	m.mu.Lock()
	m.callbacks[state] = append(m.callbacks[state], fn)
	m.mu.Unlock()
	return nil
}

// TransitionTo moves the machine to state. Transitioning to the current state
// is a no-op.
func (m *Machine) TransitionTo(state State) error {
	if !state.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidState, int(state))
	}
	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.transition(state)
	return nil
}

// SetBusy enters Busy, recording activity and cancelling any pending sleep.
func (m *Machine) SetBusy() {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.transition(Busy)
}

// SetIdle enters Idle and, with power optimization on, (re)arms the sleep timer.
func (m *Machine) SetIdle() {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.transition(Idle)
	m.scheduleSleep()
}

// SetSleeping enters Sleeping immediately.
func (m *Machine) SetSleeping() {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.transition(Sleeping)
}

// WakeIfSleeping moves a sleeping machine to Idle and reports whether it was asleep.
func (m *Machine) WakeIfSleeping() bool {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	if m.Current() != Sleeping {
		return false
	}
	m.transition(Idle)
	m.scheduleSleep()
	return true
}

// Activity records activity and wakes the machine if it is sleeping.
func (m *Machine) Activity() bool {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
	return m.WakeIfSleeping()
}

// Close disarms the sleep timer. The state is left unchanged.
func (m *Machine) Close() {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.mu.Lock()
	m.cancelTimerLocked()
	m.mu.Unlock()
}

// transition must be called with transMu held.
func (m *Machine) transition(to State) bool {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return false
	}
	now := time.Now()
	m.state = to
	m.enteredAt = now
	if to == Busy {
		m.lastActivity = now
	}
	if to != Idle {
		m.cancelTimerLocked()
	}
	m.transitions++
	callbacks := append([]Callback(nil), m.callbacks[to]...)
	m.mu.Unlock()

	tr := Transition{From: from, To: to, At: now}
	m.logger.Info("state transition",
		logging.String("from", from.String()),
		logging.String(logging.FieldState, to.String()),
		logging.String(logging.FieldEventType, "state_transition"),
	)
	m.runCallbacks(tr, callbacks)
	return true
}

func (m *Machine) runCallbacks(tr Transition, callbacks []Callback) {
	for idx, fn := range callbacks {
		if err := safeCall(fn, tr); err != nil {
			m.logger.Error("state callback failed",
				logging.String(logging.FieldState, tr.To.String()),
				logging.Int("callback_index", idx),
				logging.Error(err),
				logging.String(logging.FieldEventType, "state_callback_failed"),
				logging.String(logging.FieldErrorHint, "inspect the callback registered for this state"),
			)
		}
	}
}

func safeCall(fn Callback, tr Transition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return fn(tr)
}

// scheduleSleep must be called with transMu held.
func (m *Machine) scheduleSleep() {
	if !m.opts.PowerOptimization {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Idle {
		return
	}
	m.cancelTimerLocked()
	gen := m.timerGen
	m.sleepAt = time.Now().Add(m.opts.IdleTimeout)
	m.timer = time.AfterFunc(m.opts.IdleTimeout, func() { m.sleepTimerFired(gen) })
	m.logger.Debug("sleep scheduled", logging.Duration("idle_timeout", m.opts.IdleTimeout))
}

// cancelTimerLocked must be called with mu held. Bumping the generation makes
// a timer that already fired, and is waiting for transMu, a no-op.
func (m *Machine) cancelTimerLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.sleepAt = time.Time{}
}

func (m *Machine) sleepTimerFired(gen uint64) {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	if gen != m.timerGen || m.state != Idle {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.sleepAt = time.Time{}
	m.mu.Unlock()

	m.logger.Info("idle timeout reached; sleeping",
		logging.Duration("idle_timeout", m.opts.IdleTimeout),
		logging.String(logging.FieldEventType, "sleep_timeout"),
	)
	m.transition(Sleeping)
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Machine) IsIdle() bool     { return m.Current() == Idle }
func (m *Machine) IsBusy() bool     { return m.Current() == Busy }
func (m *Machine) IsSleeping() bool { return m.Current() == Sleeping }

// IdleDuration is the time since the last recorded activity.
func (m *Machine) IdleDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastActivity)
}

// SleepScheduled reports whether a sleep timer is armed.
func (m *Machine) SleepScheduled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timer != nil
}

// Snapshot returns a consistent view of the machine.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		State:          m.state,
		EnteredAt:      m.enteredAt,
		LastActivityAt: m.lastActivity,
		IdleDuration:   time.Since(m.lastActivity),
		SleepScheduled: m.timer != nil,
		SleepAt:        m.sleepAt,
		Transitions:    m.transitions,
	}
}
