package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts is the per-event delivery ceiling when none is given.
const DefaultMaxAttempts = 3

// Kind identifies which handlers receive an event.
type Kind int

const (
	KindCall Kind = iota
	KindWhatsApp
	KindTelegram
	KindMemoryCheck
	KindSystem
	KindUser
)

var kindNames = map[Kind]string{
	KindCall:        "call",
	KindWhatsApp:    "whatsapp",
	KindTelegram:    "telegram",
	KindMemoryCheck: "memory_check",
	KindSystem:      "system",
	KindUser:        "user",
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindCall, KindWhatsApp, KindTelegram, KindMemoryCheck, KindSystem, KindUser}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind resolves a kind name such as "whatsapp" or "memory_check".
func ParseKind(value string) (Kind, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for kind, name := range kindNames {
		if name == normalized {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", value)
}

// Priority orders events in the queue. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

var priorityNames = [...]string{"critical", "high", "normal", "low", "background"}

// Valid reports whether p is one of the five declared levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

func (p Priority) String() string {
	if p.Valid() {
		return priorityNames[p]
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority resolves a priority name. An empty value yields PriorityNormal.
func ParsePriority(value string) (Priority, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return PriorityNormal, nil
	}
	for i, name := range priorityNames {
		if name == normalized {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown event priority %q", value)
}

// Event is a typed, prioritized unit of work.
type Event struct {
	ID          string
	Kind        Kind
	Priority    Priority
	Payload     any
	CreatedAt   time.Time
	Attempt     int
	MaxAttempts int
}

// Option customizes an Event at construction.
type Option func(*Event)

// WithMaxAttempts overrides the delivery ceiling. Values below one are ignored.
func WithMaxAttempts(n int) Option {
	return func(e *Event) {
		if n > 0 {
			e.MaxAttempts = n
		}
	}
}

// WithID assigns a caller-chosen identifier instead of a generated one.
func WithID(id string) Option {
	return func(e *Event) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			e.ID = trimmed
		}
	}
}

// New builds an event with a fresh identifier and zero attempts.
func New(kind Kind, payload any, priority Priority, opts ...Option) *Event {
	ev := &Event{
		ID:          NewID(),
		Kind:        kind,
		Priority:    priority,
		Payload:     payload,
		CreatedAt:   time.Now(),
		MaxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// NewID returns a unique event identifier.
func NewID() string {
	return "evt_" + uuid.NewString()
}

// Exhausted reports whether no delivery attempts remain.
func (e *Event) Exhausted() bool {
	return e.Attempt >= e.MaxAttempts
}

func (e *Event) String() string {
	if e == nil {
		return "<nil event>"
	}
	return fmt.Sprintf("%s[%s %s attempt=%d/%d]", e.ID, e.Kind, e.Priority, e.Attempt, e.MaxAttempts)
}
