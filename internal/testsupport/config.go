package testsupport

import (
	"path/filepath"
	"testing"

	"clawd/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Pollers tick fast and the power monitor is off so tests stay hermetic.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.InboxDir = filepath.Join(base, "inbox")
	cfgVal.Dispatch.RetryBaseDelayMS = 10
	cfgVal.Dispatch.RetryMaxDelaySeconds = 1
	cfgVal.Dispatch.HandlerTimeoutSeconds = 5
	cfgVal.Polling.CallIntervalMS = 10
	cfgVal.Polling.WhatsAppIntervalMS = 10
	cfgVal.Polling.TelegramIntervalMS = 10
	cfgVal.Polling.MemoryCheckIntervalMS = 50
	cfgVal.Power.NetlinkMonitor = false
	cfgVal.Daemon.ShutdownTimeoutSeconds = 5

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithWorkers overrides the worker pool size and queue capacity.
func WithWorkers(workers, capacity int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Dispatch.WorkerCount = workers
		b.cfg.Dispatch.QueueCapacity = capacity
	}
}

// WithMaxAttempts sets the default delivery attempts per event.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Dispatch.MaxAttempts = n
	}
}

// WithIdleTimeout sets the idle-to-sleep timeout and enables power optimization.
func WithIdleTimeout(seconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Power.Optimization = true
		b.cfg.Power.IdleTimeoutSeconds = seconds
	}
}

// WithoutPowerOptimization keeps the daemon from ever sleeping.
func WithoutPowerOptimization() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Power.Optimization = false
	}
}

// WithAPIBind enables the HTTP status API on addr.
func WithAPIBind(addr, token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.APIBind = addr
		b.cfg.Daemon.APIToken = token
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
