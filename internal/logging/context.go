package logging

import (
	"context"
	"log/slog"
	"strings"
)

const (
	// FieldComponent names the subsystem emitting the record.
	FieldComponent = "component"
	// FieldEventID identifies the event being dispatched.
	FieldEventID = "event_id"
	// FieldEventKind names the event kind (call, whatsapp, ...).
	FieldEventKind = "event_kind"
	// FieldPriority is the event priority name.
	FieldPriority = "priority"
	// FieldAttempt is the 1-based delivery attempt.
	FieldAttempt = "attempt"
	// FieldState is an operating state name.
	FieldState = "state"
	// FieldEventType classifies WARN and ERROR records for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step to an operator.
	FieldErrorHint = "error_hint"
	// FieldImpact describes the consequence of a warning.
	FieldImpact = "impact"
	// FieldCorrelationID carries request correlation identifiers.
	FieldCorrelationID = "correlation_id"
)

type contextKey int

const (
	eventIDKey contextKey = iota
	eventKindKey
	attemptKey
	correlationKey
)

// EventScope describes the event currently being handled.
type EventScope struct {
	ID      string
	Kind    string
	Attempt int
}

// WithEventScope stores the event scope on ctx so downstream loggers can tag
// records with it.
func WithEventScope(ctx context.Context, scope EventScope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := strings.TrimSpace(scope.ID); id != "" {
		ctx = context.WithValue(ctx, eventIDKey, id)
	}
	if kind := strings.TrimSpace(scope.Kind); kind != "" {
		ctx = context.WithValue(ctx, eventKindKey, kind)
	}
	if scope.Attempt > 0 {
		ctx = context.WithValue(ctx, attemptKey, scope.Attempt)
	}
	return ctx
}

// WithCorrelationID stores a correlation identifier on ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, id)
}

// ContextFields extracts standardized slog attributes from ctx.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 4)
	if id, ok := ctx.Value(eventIDKey).(string); ok {
		fields = append(fields, slog.String(FieldEventID, id))
	}
	if kind, ok := ctx.Value(eventKindKey).(string); ok {
		fields = append(fields, slog.String(FieldEventKind, kind))
	}
	if attempt, ok := ctx.Value(attemptKey).(int); ok {
		fields = append(fields, slog.Int(FieldAttempt, attempt))
	}
	if rid, ok := ctx.Value(correlationKey).(string); ok {
		fields = append(fields, slog.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns logger augmented with the fields carried by ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
