// Package logging assembles the structured slog loggers used across clawd.
//
// It owns the console and JSON handlers, level parsing, output fan-out to
// stdout and per-run log files, and the attribute helpers that keep field
// names consistent (component, event_type, error_hint, impact, event_id, ...).
// Context helpers let dispatched handlers tag every log line with the event
// they are working on. A no-op logger is provided for tests and wiring code
// that must not fail.
//
// Prefer these constructors over hand-rolled slog setup so every subsystem
// emits records with the same shape.
package logging
