package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"clawd/internal/logging"
)

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Nop discards every entry.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) error { return nil }

// Trail records the outcome of wrapped operations. Recording failures are
// logged and never change the result of the wrapped operation.
type Trail struct {
	recorder Recorder
	logger   *slog.Logger
	actor    string
}

// NewTrail builds a trail. A nil recorder disables recording.
func NewTrail(recorder Recorder, logger *slog.Logger, actor string) *Trail {
	if recorder == nil {
		recorder = Nop{}
	}
	if actor == "" {
		actor = ActorSystem
	}
	return &Trail{
		recorder: recorder,
		logger:   logging.NewComponentLogger(logger, "audit"),
		actor:    actor,
	}
}

// Run executes fn and records whether it succeeded along with its duration.
// A panic in fn is recorded as a failure before being re-raised.
func (t *Trail) Run(ctx context.Context, category, action string, details map[string]any, fn func(context.Context) error) (err error) {
	if t == nil {
		return fn(ctx)
	}
	start := time.Now()
	defer func() {
		entry := Entry{
			Timestamp: start,
			Action:    action,
			Category:  category,
			Actor:     t.actor,
			Success:   err == nil,
			Duration:  time.Since(start),
			Details:   details,
		}
		r := recover()
		if r != nil {
			entry.Success = false
			entry.Error = fmt.Sprintf("panic: %v", r)
		} else if err != nil {
			entry.Error = err.Error()
		}
		t.write(ctx, entry)
		if r != nil {
			panic(r)
		}
	}()
	return fn(ctx)
}

// Note records a single entry outside any wrapped operation.
func (t *Trail) Note(ctx context.Context, category, action string, success bool, details map[string]any) {
	if t == nil {
		return
	}
	t.write(ctx, Entry{
		Timestamp: time.Now(),
		Action:    action,
		Category:  category,
		Actor:     t.actor,
		Success:   success,
		Details:   details,
	})
}

func (t *Trail) write(ctx context.Context, entry Entry) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := t.recorder.Record(ctx, entry); err != nil {
		logging.WarnWithContext(t.logger, "audit entry not recorded", "audit_write_failed",
			logging.String("action", entry.Action),
			logging.String("category", entry.Category),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check audit database permissions and disk space"),
			logging.String(logging.FieldImpact, "audit trail is incomplete"),
		)
	}
}
