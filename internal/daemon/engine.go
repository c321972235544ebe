package daemon

import (
	"context"
	"log/slog"

	"clawd/internal/events"
	"clawd/internal/lifecycle"
	"clawd/internal/logging"
)

// Engine is implemented by components that do the external work for an event.
type Engine interface {
	Handle(ctx context.Context, ev *events.Event) error
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, ev *events.Event) error

// Handle implements Engine.
func (f EngineFunc) Handle(ctx context.Context, ev *events.Event) error { return f(ctx, ev) }

// logEngine stands in for an engine that lives outside the daemon. It only
// records what it was asked to do.
type logEngine struct {
	name   string
	logger *slog.Logger
}

// NewLogEngineFactory returns a factory for an engine that logs each event it
// receives.
func NewLogEngineFactory(name string, logger *slog.Logger) lifecycle.Factory {
	return func() (any, error) {
		return &logEngine{name: name, logger: logging.NewComponentLogger(logger, name)}, nil
	}
}

func (e *logEngine) Handle(ctx context.Context, ev *events.Event) error {
	logging.WithContext(ctx, e.logger).Info("event handled",
		logging.Any("payload", ev.Payload),
		logging.String(logging.FieldEventType, "engine_handled"),
	)
	return nil
}
