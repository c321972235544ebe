package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"clawd/internal/events"
	"clawd/internal/logging"
)

func (d *Dispatcher) deliver(ctx context.Context, ev *events.Event) {
	logger := d.logger.With(
		logging.String(logging.FieldEventID, ev.ID),
		logging.String(logging.FieldEventKind, ev.Kind.String()),
	)
	handlers := d.handlersFor(ev.Kind)
	if len(handlers) == 0 {
		logging.WarnWithContext(logger, "no handler registered; event discarded", "dispatch_no_handler",
			logging.String(logging.FieldPriority, ev.Priority.String()),
			logging.String(logging.FieldErrorHint, "register a handler for this event kind"),
			logging.String(logging.FieldImpact, "event ignored"),
		)
		return
	}

	ev.Attempt++
	snapshot := *ev
	d.inFlight.Add(1)
	defer d.inFlight.Add(-1)

	hctx := logging.WithEventScope(ctx, logging.EventScope{ID: ev.ID, Kind: ev.Kind.String(), Attempt: ev.Attempt})
	var errs []error
	for idx, handler := range handlers {
		err := d.invoke(hctx, handler, &snapshot)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			logging.WarnWithContext(logger, "handler abandoned during shutdown", "dispatch_abandoned",
				logging.Int(logging.FieldAttempt, ev.Attempt),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "raise daemon.shutdown_timeout_seconds if handlers need longer"),
				logging.String(logging.FieldImpact, "event dropped without retry"),
			)
			return
		}
		logger.Debug("handler failed",
			logging.Int("handler_index", idx),
			logging.Int(logging.FieldAttempt, ev.Attempt),
			logging.Error(err),
		)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		d.processed.Add(1)
		logger.Debug("event processed",
			logging.Int(logging.FieldAttempt, ev.Attempt),
			logging.Duration("latency", time.Since(ev.CreatedAt)),
		)
		return
	}
	d.retryOrFail(logger, ev, errors.Join(errs...))
}

// invoke runs h under its own timeout. A handler that ignores its context is
// left running in the background once the deadline passes.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev *events.Event) error {
	hctx, cancel := context.WithTimeout(ctx, d.opts.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		done <- h(hctx, ev)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w after %s", ErrHandlerTimeout, d.opts.HandlerTimeout)
	}
}

func (d *Dispatcher) retryOrFail(logger *slog.Logger, ev *events.Event, cause error) {
	if !ev.Exhausted() {
		delay := Backoff(ev.Attempt, d.opts.RetryBaseDelay, d.opts.RetryMaxDelay)
		d.retried.Add(1)
		logging.WarnWithContext(logger, "event failed; retry scheduled", "dispatch_retry",
			logging.Int(logging.FieldAttempt, ev.Attempt),
			logging.Int("max_attempts", ev.MaxAttempts),
			logging.Duration("backoff", delay),
			logging.Error(cause),
			logging.String(logging.FieldErrorHint, "inspect the handler error"),
			logging.String(logging.FieldImpact, "event delayed"),
		)
		d.scheduleRetry(logger, ev, delay)
		return
	}

	d.failed.Add(1)
	logging.ErrorWithContext(logger, "event failed permanently", "dispatch_failed",
		logging.Int(logging.FieldAttempt, ev.Attempt),
		logging.Int("max_attempts", ev.MaxAttempts),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "inspect the handler error; the event will not be retried"),
	)
	d.notifyFailure(logger, ev, cause)
}

func (d *Dispatcher) notifyFailure(logger *slog.Logger, ev *events.Event, cause error) {
	if d.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("failure hook panicked",
				logging.Any("panic", r),
				logging.String(logging.FieldEventType, "dispatch_failure_hook_panic"),
				logging.String(logging.FieldErrorHint, "fix the failure hook"),
			)
		}
	}()
	snapshot := *ev
	d.onFailure(&snapshot, cause)
}

// scheduleRetry resubmits ev after delay without occupying a worker. While
// the dispatcher is stopping the event goes straight back into the queue.
func (d *Dispatcher) scheduleRetry(logger *slog.Logger, ev *events.Event, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		if !d.queue.push(ev) {
			d.dropped.Add(1)
		}
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		if _, pending := d.retries[timer]; !pending {
			d.mu.Unlock()
			return
		}
		delete(d.retries, timer)
		ok := d.queue.push(ev)
		d.mu.Unlock()

		if !ok {
			d.dropped.Add(1)
			logging.WarnWithContext(logger, "retry dropped; queue full", "dispatch_retry_dropped",
				logging.Int(logging.FieldAttempt, ev.Attempt),
				logging.String(logging.FieldErrorHint, "raise dispatch.queue_capacity or worker_count"),
				logging.String(logging.FieldImpact, "event will not be retried"),
			)
			return
		}
		d.signal()
	})
	d.retries[timer] = ev
}

// Backoff returns min(base * 2^(attempt-1), ceiling). Attempts below one are
// treated as the first attempt.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return min(delay, ceiling)
}
