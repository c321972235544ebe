package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"clawd/internal/events"
	"clawd/internal/logging"
)

// Handler processes one delivery attempt of an event. The event is a snapshot
// owned by the dispatcher and must be treated as read-only.
type Handler func(ctx context.Context, ev *events.Event) error

// FailureHook observes events that exhausted their attempts.
type FailureHook func(ev *events.Event, err error)

// DefaultStopTimeout bounds Stop when callers pass a non-positive timeout.
const DefaultStopTimeout = 30 * time.Second

// idleRecheck bounds how long an idle worker waits before looking at the queue again.
const idleRecheck = time.Second

// Options tunes queue capacity, concurrency, and the retry policy.
type Options struct {
	QueueCapacity      int
	Workers            int
	HandlerTimeout     time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	DefaultMaxAttempts int
}

// DefaultOptions returns the stock dispatcher settings.
func DefaultOptions() Options {
	return Options{
		QueueCapacity:      1000,
		Workers:            4,
		HandlerTimeout:     30 * time.Second,
		RetryBaseDelay:     time.Second,
		RetryMaxDelay:      60 * time.Second,
		DefaultMaxAttempts: events.DefaultMaxAttempts,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = def.QueueCapacity
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = def.HandlerTimeout
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = def.RetryBaseDelay
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = def.RetryMaxDelay
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = o.RetryBaseDelay
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	return o
}

// Option configures optional Dispatcher behavior.
type Option func(*Dispatcher)

// WithFailureHook registers fn to be told about terminal failures.
func WithFailureHook(fn FailureHook) Option {
	return func(d *Dispatcher) {
		d.onFailure = fn
	}
}

// Dispatcher is a bounded priority queue drained by a worker pool.
type Dispatcher struct {
	opts      Options
	logger    *slog.Logger
	onFailure FailureHook

	mu        sync.Mutex
	queue     *boundedQueue
	handlers  map[events.Kind][]Handler
	running   bool
	quit      chan struct{}
	cancelRun context.CancelFunc
	retries   map[*time.Timer]*events.Event
	wg        sync.WaitGroup

	wake chan struct{}

	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
	inFlight  atomic.Int64
}

// New constructs a stopped dispatcher.
func New(opts Options, logger *slog.Logger, hooks ...Option) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		opts:     opts,
		logger:   logging.NewComponentLogger(logger, "dispatch"),
		queue:    newBoundedQueue(opts.QueueCapacity),
		handlers: make(map[events.Kind][]Handler),
		retries:  make(map[*time.Timer]*events.Event),
		wake:     make(chan struct{}, 1),
	}
	for _, hook := range hooks {
		if hook != nil {
			hook(d)
		}
	}
	return d
}

// Options returns the effective settings.
func (d *Dispatcher) Options() Options {
	return d.opts
}

// RegisterHandler appends h to the handlers for kind. Handlers run in
// registration order for every matching event.
func (d *Dispatcher) RegisterHandler(kind events.Kind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if h == nil {
		return errors.New("register handler: nil handler")
	}
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], h)
	d.mu.Unlock()
	return nil
}

// Submit enqueues ev without blocking. Events submitted while the dispatcher
// is stopped wait in the queue until the next Start.
func (d *Dispatcher) Submit(ev *events.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownKind, ev.Kind)
	}
	if !ev.Priority.Valid() {
		return fmt.Errorf("%w: priority %s", ErrInvalidEvent, ev.Priority)
	}
	if ev.MaxAttempts <= 0 {
		ev.MaxAttempts = d.opts.DefaultMaxAttempts
	}

	d.mu.Lock()
	ok := d.queue.push(ev)
	d.mu.Unlock()
	if !ok {
		d.dropped.Add(1)
		logging.WarnWithContext(d.logger, "event dropped; queue full", "dispatch_queue_full",
			logging.String(logging.FieldEventID, ev.ID),
			logging.String(logging.FieldEventKind, ev.Kind.String()),
			logging.Int("capacity", d.opts.QueueCapacity),
			logging.String(logging.FieldErrorHint, "raise dispatch.queue_capacity or worker_count"),
			logging.String(logging.FieldImpact, "event will not be handled"),
		)
		return ErrQueueFull
	}
	d.signal()
	return nil
}

// Emit builds an event with the dispatcher's default attempt ceiling and submits it.
func (d *Dispatcher) Emit(kind events.Kind, payload any, priority events.Priority, opts ...events.Option) (*events.Event, error) {
	all := make([]events.Option, 0, len(opts)+1)
	all = append(all, events.WithMaxAttempts(d.opts.DefaultMaxAttempts))
	all = append(all, opts...)
	ev := events.New(kind, payload, priority, all...)
	if err := d.Submit(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Start spawns workers. A non-positive count uses Options.Workers. Calling
// Start on a running dispatcher is a no-op.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if ctx == nil {
		ctx = context.Background()
	}
	if workers <= 0 {
		workers = d.opts.Workers
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	quit := make(chan struct{})
	d.running = true
	d.quit = quit
	d.cancelRun = cancel
	d.wg.Add(workers)
	pending := d.queue.len()
	d.mu.Unlock()

	for i := 0; i < workers; i++ {
		go d.worker(runCtx, quit)
	}
	if pending > 0 {
		d.signal()
	}
	d.logger.Info("dispatcher started",
		logging.Int("workers", workers),
		logging.Int("queue_size", pending),
		logging.String(logging.FieldEventType, "dispatcher_started"),
	)
}

// Stop prevents workers from taking new events and waits up to timeout for
// the current ones to finish. Handlers still running after the timeout are
// cancelled and abandoned without retry. Pending retries move back into the
// queue. Stop returns once every worker has exited.
func (d *Dispatcher) Stop(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.quit)
	cancel := d.cancelRun
	d.cancelRun = nil
	requeued, dropped := 0, 0
	for timer, ev := range d.retries {
		// A timer that already fired finds its entry gone and returns
		// without pushing, so the event is requeued here either way.
		timer.Stop()
		delete(d.retries, timer)
		if d.queue.push(ev) {
			requeued++
		} else {
			dropped++
		}
	}
	d.dropped.Add(uint64(dropped))
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	forced := false
	select {
	case <-done:
	case <-timer.C:
		forced = true
		logging.WarnWithContext(d.logger, "dispatcher stop timed out; abandoning in-flight handlers", "dispatcher_stop_forced",
			logging.Duration("timeout", timeout),
			logging.Int64("in_flight", d.inFlight.Load()),
			logging.String(logging.FieldErrorHint, "check handlers honour context cancellation"),
			logging.String(logging.FieldImpact, "in-flight events abandoned without retry"),
		)
		cancel()
		<-done
	}
	cancel()

	d.logger.Info("dispatcher stopped",
		logging.Bool("forced", forced),
		logging.Int("requeued_retries", requeued),
		logging.Int("dropped_retries", dropped),
		logging.Int("queue_size", d.QueueSize()),
		logging.String(logging.FieldEventType, "dispatcher_stopped"),
	)
}

// Running reports whether workers are active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// QueueSize returns the number of queued events.
func (d *Dispatcher) QueueSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.len()
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) next() (*events.Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ev, ok := d.queue.pop()
	if !ok {
		return nil, false
	}
	return ev, d.queue.len() > 0
}

func (d *Dispatcher) handlersFor(kind events.Kind) []Handler {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.handlers[kind]
	out := make([]Handler, len(list))
	copy(out, list)
	return out
}

func (d *Dispatcher) worker(ctx context.Context, quit <-chan struct{}) {
	defer d.wg.Done()
	idle := time.NewTimer(idleRecheck)
	defer idle.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		ev, more := d.next()
		if ev == nil {
			idle.Reset(idleRecheck)
			select {
			case <-quit:
				return
			case <-ctx.Done():
				return
			case <-d.wake:
			case <-idle.C:
			}
			continue
		}
		if more {
			d.signal()
		}
		d.deliver(ctx, ev)
	}
}
