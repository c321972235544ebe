package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains the directories the daemon owns.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
	InboxDir string `toml:"inbox_dir"`
}

// Dispatch tunes the event queue and worker pool.
type Dispatch struct {
	QueueCapacity         int `toml:"queue_capacity"`
	WorkerCount           int `toml:"worker_count"`
	HandlerTimeoutSeconds int `toml:"handler_timeout_seconds"`
	RetryBaseDelayMS      int `toml:"retry_base_delay_ms"`
	RetryMaxDelaySeconds  int `toml:"retry_max_delay_seconds"`
	MaxAttempts           int `toml:"max_attempts"`
}

// Power controls the idle/busy/sleeping state machine.
type Power struct {
	Optimization       bool `toml:"optimization"`
	IdleTimeoutSeconds int  `toml:"idle_timeout_seconds"`
	NetlinkMonitor     bool `toml:"netlink_monitor"`
}

// Memory controls component unloading and pressure monitoring.
type Memory struct {
	IdleUnloadSeconds      int     `toml:"idle_unload_seconds"`
	CheckIntervalSeconds   int     `toml:"check_interval_seconds"`
	ThresholdPercent       float64 `toml:"threshold_percent"`
	ReclaimCooldownSeconds int     `toml:"reclaim_cooldown_seconds"`
}

// Polling sets the cadence of the per-source pollers.
type Polling struct {
	CallIntervalMS        int `toml:"call_interval_ms"`
	WhatsAppIntervalMS    int `toml:"whatsapp_interval_ms"`
	TelegramIntervalMS    int `toml:"telegram_interval_ms"`
	MemoryCheckIntervalMS int `toml:"memory_check_interval_ms"`
}

// Daemon contains process-level settings.
type Daemon struct {
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds"`
	APIBind                string `toml:"api_bind"`
	APIToken               string `toml:"api_token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications configures operator alerts published to ntfy.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Audit controls the persistent audit trail.
type Audit struct {
	Enabled       bool `toml:"enabled"`
	RetentionDays int  `toml:"retention_days"`
}

// Config encapsulates all configuration values for clawd.
//
// Configuration sections by subsystem:
//   - Paths: state, log and inbox directories
//   - Dispatch: queue capacity, workers, timeouts and retry backoff
//   - Power: idle-to-sleep optimization and the netlink power monitor
//   - Memory: idle unload threshold and memory pressure monitor
//   - Polling: per-source poll intervals
//   - Daemon: shutdown timeout and the optional HTTP status API
//   - Logging: log format, level, and retention
//   - Audit: audit trail toggle and retention
//   - Notifications: ntfy topic for failure, battery, and memory alerts
type Config struct {
	Paths    Paths    `toml:"paths"`
	Dispatch Dispatch `toml:"dispatch"`
	Power    Power    `toml:"power"`
	Memory   Memory   `toml:"memory"`
	Polling  Polling  `toml:"polling"`
	Daemon   Daemon   `toml:"daemon"`
	Logging  Logging  `toml:"logging"`
	Audit    Audit    `toml:"audit"`

	Notifications Notifications `toml:"notifications"`
}

const defaultConfigLocation = "~/.config/clawd/config.toml"

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigLocation)
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return nil, "", false, fmt.Errorf("parse config: %s", strings.TrimSpace(strict.String()))
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigLocation)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("clawd.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.InboxDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SocketPath is the IPC socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.LogDir, "clawd.sock")
}

// LockPath is the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.LogDir, "clawd.lock")
}

// LogPath is the stable pointer to the current daemon log.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "clawd.log")
}

// PIDPath is where the running daemon records its process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.LogDir, "clawd.pid")
}

// AuditPath is the audit database location.
func (c *Config) AuditPath() string {
	return filepath.Join(c.Paths.StateDir, "audit.db")
}

// InboxFor returns the inbox directory watched for one signal source.
func (c *Config) InboxFor(source string) string {
	return filepath.Join(c.Paths.InboxDir, source)
}

// HandlerTimeout is the per-invocation handler deadline.
func (d Dispatch) HandlerTimeout() time.Duration {
	return time.Duration(d.HandlerTimeoutSeconds) * time.Second
}

// RetryBaseDelay is the first retry delay.
func (d Dispatch) RetryBaseDelay() time.Duration {
	return time.Duration(d.RetryBaseDelayMS) * time.Millisecond
}

// RetryMaxDelay caps the exponential retry delay.
func (d Dispatch) RetryMaxDelay() time.Duration {
	return time.Duration(d.RetryMaxDelaySeconds) * time.Second
}

// IdleTimeout is how long the machine stays idle before sleeping.
func (p Power) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

// IdleUnload is how long a component may sit unused before it is unloaded.
func (m Memory) IdleUnload() time.Duration {
	return time.Duration(m.IdleUnloadSeconds) * time.Second
}

// CheckInterval is the memory monitor tick.
func (m Memory) CheckInterval() time.Duration {
	return time.Duration(m.CheckIntervalSeconds) * time.Second
}

// ReclaimCooldown rate-limits forced memory reclamation.
func (m Memory) ReclaimCooldown() time.Duration {
	return time.Duration(m.ReclaimCooldownSeconds) * time.Second
}

// Interval converts a millisecond poll setting to a duration.
func (p Polling) Interval(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ShutdownTimeout bounds graceful shutdown.
// RequestTimeout bounds a single ntfy publish.
func (n Notifications) RequestTimeout() time.Duration {
	return time.Duration(n.RequestTimeoutSeconds) * time.Second
}

func (d Daemon) ShutdownTimeout() time.Duration {
	return time.Duration(d.ShutdownTimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
