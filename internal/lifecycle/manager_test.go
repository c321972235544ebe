package lifecycle_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"clawd/internal/lifecycle"
	"clawd/internal/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type token struct{ id int64 }

func fixedSampler(percent float64, rss uint64) lifecycle.MemorySampler {
	return lifecycle.SamplerFunc(func() (lifecycle.MemorySample, error) {
		return lifecycle.MemorySample{
			RSSBytes:             rss,
			SystemTotalBytes:     100,
			SystemAvailableBytes: uint64(100 - percent),
			SystemPercent:        percent,
			SampledAt:            time.Now(),
		}, nil
	})
}

func newManager(t *testing.T, opts lifecycle.Options, extra ...lifecycle.Option) *lifecycle.Manager {
	t.Helper()
	all := append([]lifecycle.Option{lifecycle.WithSampler(fixedSampler(10, 1024))}, extra...)
	m := lifecycle.New(opts, logging.NewNop(), all...)
	t.Cleanup(m.StopMonitor)
	return m
}

func TestGetReturnsSameInstanceAndCountsAccess(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	var counter atomic.Int64
	if err := m.Register("brain", func() (any, error) {
		return &token{id: counter.Add(1)}, nil
	}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var first *token
	for i := 0; i < 5; i++ {
		got, err := lifecycle.Borrow[*token](m, "brain")
		if err != nil {
			t.Fatalf("Borrow: %v", err)
		}
		if first == nil {
			first = got
		}
		if got != first {
			t.Fatalf("expected same instance, got %v and %v", got, first)
		}
	}
	stats := m.Stats()
	if len(stats.Components) != 1 {
		t.Fatalf("expected one component, got %+v", stats.Components)
	}
	cs := stats.Components[0]
	if cs.AccessCount != 5 || cs.Loads != 1 || !cs.Loaded {
		t.Fatalf("unexpected component stats %+v", cs)
	}
	if stats.LoadedComponents != 1 || stats.TotalComponents != 1 {
		t.Fatalf("unexpected totals %+v", stats)
	}
}

func TestConcurrentGetLoadsOnce(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	var calls atomic.Int32
	release := make(chan struct{})
	_ = m.Register("voice", func() (any, error) {
		calls.Add(1)
		<-release
		return &token{id: 1}, nil
	}, nil)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := m.Get("voice")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			results[i] = inst
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("factory ran %d times", calls.Load())
	}
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatal("callers received different instances")
		}
	}
}

func TestGetUnknownComponent(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	if _, err := m.Get("ghost"); !errors.Is(err, lifecycle.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
	if _, err := m.Unload("ghost"); !errors.Is(err, lifecycle.ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered from Unload, got %v", err)
	}
}

func TestFactoryFailureLeavesComponentUnloaded(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	attempts := 0
	_ = m.Register("brain", func() (any, error) {
		attempts++
		switch attempts {
		case 1:
			return nil, errors.New("model file missing")
		case 2:
			panic("bad weights")
		default:
			return &token{id: 3}, nil
		}
	}, nil)

	if _, err := m.Get("brain"); !errors.Is(err, lifecycle.ErrFactoryFailed) {
		t.Fatalf("expected ErrFactoryFailed, got %v", err)
	}
	if m.Loaded("brain") {
		t.Fatal("component should stay unloaded after factory error")
	}
	if _, err := m.Get("brain"); !errors.Is(err, lifecycle.ErrFactoryFailed) {
		t.Fatalf("expected ErrFactoryFailed for panic, got %v", err)
	}
	if _, err := m.Get("brain"); err != nil {
		t.Fatalf("third attempt should load: %v", err)
	}
}

func TestBorrowTypeMismatch(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	_ = m.Register("voice", func() (any, error) { return "speaker", nil }, nil)
	if _, err := lifecycle.Borrow[*token](m, "voice"); !errors.Is(err, lifecycle.ErrTypeMismatch) {
		t.Fatalf("expected ErrTypeMismatch, got %v", err)
	}
}

func TestUnloadRunsDisposerOnce(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	var disposed atomic.Int32
	_ = m.Register("voice", func() (any, error) { return &token{}, nil }, func(any) error {
		disposed.Add(1)
		return errors.New("device busy")
	})
	if _, err := m.Get("voice"); err != nil {
		t.Fatal(err)
	}

	unloaded, err := m.Unload("voice")
	if !unloaded {
		t.Fatal("expected unload")
	}
	if err == nil {
		t.Fatal("expected disposer error to surface")
	}
	if m.Loaded("voice") {
		t.Fatal("instance must be cleared even when the disposer fails")
	}
	again, err := m.Unload("voice")
	if again || err != nil {
		t.Fatalf("second unload should be a no-op, got %v %v", again, err)
	}
	if disposed.Load() != 1 {
		t.Fatalf("disposer ran %d times", disposed.Load())
	}
	if m.Stats().Reclaims == 0 {
		t.Fatal("unload should request a collection")
	}
}

func TestDisposerPanicStillClears(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	_ = m.Register("brain", func() (any, error) { return &token{}, nil }, func(any) error {
		panic("driver crashed")
	})
	_, _ = m.Get("brain")
	names := m.UnloadAll()
	if len(names) != 1 || names[0] != "brain" {
		t.Fatalf("unexpected unloaded list %v", names)
	}
	if m.Loaded("brain") {
		t.Fatal("instance should be cleared after panicking disposer")
	}
}

func TestReregisterUnloadsPrevious(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	var oldDisposed atomic.Int32
	_ = m.Register("brain", func() (any, error) { return &token{id: 1}, nil }, func(any) error {
		oldDisposed.Add(1)
		return nil
	})
	if _, err := m.Get("brain"); err != nil {
		t.Fatal(err)
	}
	_ = m.Register("brain", func() (any, error) { return &token{id: 2}, nil }, nil)
	if oldDisposed.Load() != 1 {
		t.Fatal("previous instance should be disposed on re-register")
	}
	got, err := lifecycle.Borrow[*token](m, "brain")
	if err != nil || got.id != 2 {
		t.Fatalf("expected new definition, got %+v %v", got, err)
	}
}

func TestUnloadIdle(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	for _, name := range []string{"brain", "voice"} {
		_ = m.Register(name, func() (any, error) { return &token{}, nil }, nil)
	}
	_, _ = m.Get("brain")
	time.Sleep(30 * time.Millisecond)
	_, _ = m.Get("voice")

	unloaded := m.UnloadIdle(20 * time.Millisecond)
	if len(unloaded) != 1 || unloaded[0] != "brain" {
		t.Fatalf("expected only brain unloaded, got %v", unloaded)
	}
	if !m.Loaded("voice") || m.Loaded("brain") {
		t.Fatal("unexpected loaded set")
	}
	if got := m.UnloadIdle(time.Hour); len(got) != 0 {
		t.Fatalf("nothing should be idle for an hour, got %v", got)
	}
}

func TestCheckMemoryUnderPressureIsRateLimited(t *testing.T) {
	m := newManager(t, lifecycle.Options{ThresholdPercent: 85, ReclaimCooldown: time.Hour},
		lifecycle.WithSampler(fixedSampler(92, 4096)))

	first := m.CheckMemory()
	if !first.Pressure || !first.Forced {
		t.Fatalf("expected forced reclaim under pressure, got %+v", first)
	}
	second := m.CheckMemory()
	if !second.Pressure || second.Forced {
		t.Fatalf("expected cooldown to suppress second forced reclaim, got %+v", second)
	}
	stats := m.Stats()
	if stats.ForcedReclaims != 1 || stats.PeakRSSBytes != 4096 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCheckMemoryBelowThreshold(t *testing.T) {
	m := newManager(t, lifecycle.Options{})
	res := m.CheckMemory()
	if res.Pressure || res.Forced {
		t.Fatalf("no pressure expected, got %+v", res)
	}
}

func TestMonitorSweepsIdleComponents(t *testing.T) {
	m := newManager(t, lifecycle.Options{CheckInterval: 10 * time.Millisecond, IdleUnload: 10 * time.Millisecond})
	_ = m.Register("voice", func() (any, error) { return &token{}, nil }, nil)
	_, _ = m.Get("voice")

	m.StartMonitor(context.Background())
	m.StartMonitor(context.Background())
	if !m.MonitorRunning() {
		t.Fatal("monitor should be running")
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Loaded("voice") {
		if time.Now().After(deadline) {
			t.Fatal("monitor never unloaded idle component")
		}
		time.Sleep(5 * time.Millisecond)
	}
	m.StopMonitor()
	m.StopMonitor()
	if m.MonitorRunning() {
		t.Fatal("monitor should be stopped")
	}
}

func TestSystemSampler(t *testing.T) {
	sample, err := lifecycle.NewSystemSampler().Sample()
	if err != nil {
		t.Skipf("system sampling unavailable: %v", err)
	}
	if sample.RSSBytes == 0 || sample.SystemTotalBytes == 0 {
		t.Fatalf("unexpected sample %+v", sample)
	}
	if sample.SystemPercent < 0 || sample.SystemPercent > 100 {
		t.Fatalf("system percent out of range: %v", sample.SystemPercent)
	}
	if sample.SystemAvailableBytes > sample.SystemTotalBytes {
		t.Fatalf("available exceeds total: %+v", sample)
	}
	if sample.ProcessPercent <= 0 || sample.ProcessPercent > 100 {
		t.Fatalf("process percent out of range: %v", sample.ProcessPercent)
	}
}
