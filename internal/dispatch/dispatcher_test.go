package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"clawd/internal/dispatch"
	"clawd/internal/events"
	"clawd/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newDispatcher(t *testing.T, opts dispatch.Options, hooks ...dispatch.Option) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.New(opts, logging.NewNop(), hooks...)
	t.Cleanup(func() { d.Stop(time.Second) })
	return d
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSubmitValidation(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{})
	if err := d.Submit(nil); !errors.Is(err, dispatch.ErrInvalidEvent) {
		t.Fatalf("nil event: got %v", err)
	}
	if err := d.Submit(events.New(events.Kind(99), nil, events.PriorityNormal)); !errors.Is(err, dispatch.ErrUnknownKind) {
		t.Fatalf("unknown kind: got %v", err)
	}
	if err := d.Submit(events.New(events.KindUser, nil, events.Priority(9))); !errors.Is(err, dispatch.ErrInvalidEvent) {
		t.Fatalf("bad priority: got %v", err)
	}
	if err := d.RegisterHandler(events.Kind(99), func(context.Context, *events.Event) error { return nil }); !errors.Is(err, dispatch.ErrUnknownKind) {
		t.Fatalf("register unknown kind: got %v", err)
	}
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{QueueCapacity: 2})
	for i := 0; i < 2; i++ {
		if _, err := d.Emit(events.KindUser, i, events.PriorityNormal); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	if _, err := d.Emit(events.KindUser, 3, events.PriorityNormal); !errors.Is(err, dispatch.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	m := d.Metrics()
	if m.Dropped != 1 || m.QueueSize != 2 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestPriorityOrdering(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{})

	var mu sync.Mutex
	var order []string
	if err := d.RegisterHandler(events.KindUser, func(_ context.Context, ev *events.Event) error {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		order = append(order, ev.Payload.(string))
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := d.Emit(events.KindUser, "background", events.PriorityBackground); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Emit(events.KindUser, "critical", events.PriorityCritical); err != nil {
		t.Fatal(err)
	}
	d.Start(context.Background(), 1)

	waitFor(t, 2*time.Second, func() bool { return d.Metrics().Processed == 2 })
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "critical" || order[1] != "background" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestPriorityOrderingWhileRunning(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{Workers: 1})

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	if err := d.RegisterHandler(events.KindUser, func(_ context.Context, ev *events.Event) error {
		name := ev.Payload.(string)
		if name == "blocker" {
			<-release
			return nil
		}
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.Start(context.Background(), 1)

	if _, err := d.Emit(events.KindUser, "blocker", events.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return d.Metrics().InFlight == 1 })

	if _, err := d.Emit(events.KindUser, "background", events.PriorityBackground); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Emit(events.KindUser, "critical", events.PriorityCritical); err != nil {
		t.Fatal(err)
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool { return d.Metrics().Processed == 3 })
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "critical" || order[1] != "background" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{})

	var mu sync.Mutex
	var order []int
	_ = d.RegisterHandler(events.KindTelegram, func(_ context.Context, ev *events.Event) error {
		mu.Lock()
		order = append(order, ev.Payload.(int))
		mu.Unlock()
		return nil
	})
	for i := 0; i < 20; i++ {
		if _, err := d.Emit(events.KindTelegram, i, events.PriorityNormal); err != nil {
			t.Fatal(err)
		}
	}
	d.Start(context.Background(), 1)
	waitFor(t, 2*time.Second, func() bool { return d.Metrics().Processed == 20 })

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestAllHandlersRunInRegistrationOrder(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{})

	var mu sync.Mutex
	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_ = d.RegisterHandler(events.KindCall, func(context.Context, *events.Event) error {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
			return nil
		})
	}
	d.Start(context.Background(), 2)
	if _, err := d.Emit(events.KindCall, nil, events.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return d.Metrics().Processed == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 3 || calls[0] != "first" || calls[1] != "second" || calls[2] != "third" {
		t.Fatalf("unexpected calls %v", calls)
	}
}

func TestEventWithoutHandlerIsDiscarded(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{})
	d.Start(context.Background(), 1)
	if _, err := d.Emit(events.KindSystem, nil, events.PriorityLow); err != nil {
		t.Fatalf("emit without handler should succeed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return d.QueueSize() == 0 })
	time.Sleep(20 * time.Millisecond)
	m := d.Metrics()
	if m.Processed != 0 || m.Failed != 0 || m.Retried != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestRetryBound(t *testing.T) {
	var hookCalls atomic.Int32
	d := newDispatcher(t, dispatch.Options{RetryBaseDelay: 10 * time.Millisecond, RetryMaxDelay: 50 * time.Millisecond},
		dispatch.WithFailureHook(func(ev *events.Event, err error) {
			if ev.Attempt != 2 {
				t.Errorf("failure hook saw attempt %d", ev.Attempt)
			}
			hookCalls.Add(1)
		}))

	var invocations atomic.Int32
	_ = d.RegisterHandler(events.KindWhatsApp, func(context.Context, *events.Event) error {
		invocations.Add(1)
		return errors.New("adapter unavailable")
	})
	d.Start(context.Background(), 2)

	ev := events.New(events.KindWhatsApp, nil, events.PriorityNormal, events.WithMaxAttempts(2))
	if err := d.Submit(ev); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return d.Metrics().Failed == 1 })
	time.Sleep(50 * time.Millisecond)

	m := d.Metrics()
	if got := invocations.Load(); got != 2 {
		t.Fatalf("expected 2 invocations, got %d", got)
	}
	if m.Failed != 1 || m.Retried != 1 || m.Processed != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if hookCalls.Load() != 1 {
		t.Fatalf("expected failure hook once, got %d", hookCalls.Load())
	}
}

func TestRetryThenSucceed(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{RetryBaseDelay: 5 * time.Millisecond})
	var invocations atomic.Int32
	_ = d.RegisterHandler(events.KindTelegram, func(_ context.Context, ev *events.Event) error {
		invocations.Add(1)
		if ev.Attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	d.Start(context.Background(), 1)
	if _, err := d.Emit(events.KindTelegram, nil, events.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return d.Metrics().Processed == 1 })
	m := d.Metrics()
	if m.Retried != 2 || m.Failed != 0 || invocations.Load() != 3 {
		t.Fatalf("unexpected metrics %+v (invocations %d)", m, invocations.Load())
	}
}

func TestHandlerPanicAndTimeoutAreFailures(t *testing.T) {
	var mu sync.Mutex
	causes := make(map[events.Kind]error)
	d := newDispatcher(t, dispatch.Options{HandlerTimeout: 20 * time.Millisecond, DefaultMaxAttempts: 1},
		dispatch.WithFailureHook(func(ev *events.Event, err error) {
			mu.Lock()
			causes[ev.Kind] = err
			mu.Unlock()
		}))

	_ = d.RegisterHandler(events.KindCall, func(context.Context, *events.Event) error {
		panic("voice engine exploded")
	})
	_ = d.RegisterHandler(events.KindUser, func(ctx context.Context, _ *events.Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d.Start(context.Background(), 2)
	if _, err := d.Emit(events.KindCall, nil, events.PriorityHigh); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Emit(events.KindUser, nil, events.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return d.Metrics().Failed == 2 })

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(causes[events.KindCall], dispatch.ErrHandlerPanic) {
		t.Fatalf("expected panic error, got %v", causes[events.KindCall])
	}
	if !errors.Is(causes[events.KindUser], dispatch.ErrHandlerTimeout) {
		t.Fatalf("expected timeout error, got %v", causes[events.KindUser])
	}
}

func TestStartStopIdempotent(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{})
	d.Stop(time.Second)
	if d.Running() {
		t.Fatal("new dispatcher should be stopped")
	}
	d.Start(context.Background(), 2)
	d.Start(context.Background(), 2)
	if !d.Running() {
		t.Fatal("expected running")
	}
	d.Stop(time.Second)
	d.Stop(time.Second)
	if d.Running() {
		t.Fatal("expected stopped")
	}

	var handled atomic.Int32
	_ = d.RegisterHandler(events.KindUser, func(context.Context, *events.Event) error {
		handled.Add(1)
		return nil
	})
	if _, err := d.Emit(events.KindUser, nil, events.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	d.Start(context.Background(), 1)
	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 })
}

func TestStopAbandonsSlowHandlers(t *testing.T) {
	d := dispatch.New(dispatch.Options{HandlerTimeout: time.Minute}, logging.NewNop())
	started := make(chan struct{})
	_ = d.RegisterHandler(events.KindCall, func(ctx context.Context, _ *events.Event) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	d.Start(context.Background(), 1)
	if _, err := d.Emit(events.KindCall, nil, events.PriorityCritical); err != nil {
		t.Fatal(err)
	}
	<-started

	begin := time.Now()
	d.Stop(50 * time.Millisecond)
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("stop took too long: %v", elapsed)
	}
	m := d.Metrics()
	if m.Retried != 0 || m.Failed != 0 || m.Processed != 0 || m.InFlight != 0 {
		t.Fatalf("abandoned event should not be counted: %+v", m)
	}
}

func TestStopRequeuesPendingRetries(t *testing.T) {
	d := newDispatcher(t, dispatch.Options{RetryBaseDelay: time.Hour, RetryMaxDelay: time.Hour})
	_ = d.RegisterHandler(events.KindWhatsApp, func(context.Context, *events.Event) error {
		return errors.New("offline")
	})
	d.Start(context.Background(), 1)
	if _, err := d.Emit(events.KindWhatsApp, nil, events.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool { return d.Metrics().PendingRetries == 1 })

	d.Stop(time.Second)
	m := d.Metrics()
	if m.PendingRetries != 0 || m.QueueSize != 1 || m.Retried != 1 {
		t.Fatalf("unexpected metrics after stop %+v", m)
	}
}

func TestStopNeverLosesFiringRetry(t *testing.T) {
	for i := range 200 {
		d := dispatch.New(dispatch.Options{
			RetryBaseDelay:     200 * time.Microsecond,
			RetryMaxDelay:      400 * time.Microsecond,
			DefaultMaxAttempts: 1000,
		}, logging.NewNop())
		_ = d.RegisterHandler(events.KindTelegram, func(context.Context, *events.Event) error {
			return errors.New("offline")
		})
		d.Start(context.Background(), 1)
		if _, err := d.Emit(events.KindTelegram, nil, events.PriorityNormal); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Duration(i%20) * 100 * time.Microsecond)
		d.Stop(time.Second)

		m := d.Metrics()
		if m.PendingRetries != 0 {
			t.Fatalf("iteration %d: retries still pending after stop: %+v", i, m)
		}
		if accounted := uint64(m.QueueSize) + m.Failed + m.Dropped; accounted != 1 {
			t.Fatalf("iteration %d: event not accounted for after stop: %+v", i, m)
		}
	}
}

func TestBackoff(t *testing.T) {
	base, ceiling := time.Second, 60*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{64, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := dispatch.Backoff(tt.attempt, base, ceiling); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
