package config

import (
	"fmt"
	"os"
	"strings"
)

// EnvLogLevel overrides logging.level when set.
const EnvLogLevel = "CLAWD_LOG_LEVEL"

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDispatch()
	c.normalizePower()
	c.normalizeMemory()
	c.normalizePolling()
	c.normalizeLogging()
	if c.Daemon.ShutdownTimeoutSeconds <= 0 {
		c.Daemon.ShutdownTimeoutSeconds = defaultShutdownTimeout
	}
	c.Daemon.APIBind = strings.TrimSpace(c.Daemon.APIBind)
	c.Daemon.APIToken = strings.TrimSpace(c.Daemon.APIToken)
	if c.Audit.RetentionDays < 0 {
		c.Audit.RetentionDays = 0
	}
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if strings.TrimSpace(c.Paths.InboxDir) == "" {
		c.Paths.InboxDir = defaultInboxDir
	}
	var err error
	if c.Paths.StateDir, err = expandPath(strings.TrimSpace(c.Paths.StateDir)); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.InboxDir, err = expandPath(strings.TrimSpace(c.Paths.InboxDir)); err != nil {
		return fmt.Errorf("paths.inbox_dir: %w", err)
	}
	return nil
}

// Zero values fall back to defaults; negative values are left for Validate to reject.
func (c *Config) normalizeDispatch() {
	d := &c.Dispatch
	if d.QueueCapacity == 0 {
		d.QueueCapacity = defaultQueueCapacity
	}
	if d.WorkerCount == 0 {
		d.WorkerCount = defaultWorkerCount
	}
	if d.HandlerTimeoutSeconds == 0 {
		d.HandlerTimeoutSeconds = defaultHandlerTimeoutSeconds
	}
	if d.RetryBaseDelayMS == 0 {
		d.RetryBaseDelayMS = defaultRetryBaseDelayMS
	}
	if d.RetryMaxDelaySeconds == 0 {
		d.RetryMaxDelaySeconds = defaultRetryMaxDelaySeconds
	}
	if d.MaxAttempts == 0 {
		d.MaxAttempts = defaultMaxAttempts
	}
}

func (c *Config) normalizePower() {
	if c.Power.IdleTimeoutSeconds == 0 {
		c.Power.IdleTimeoutSeconds = defaultIdleTimeoutSeconds
	}
}

func (c *Config) normalizeMemory() {
	m := &c.Memory
	if m.IdleUnloadSeconds == 0 {
		m.IdleUnloadSeconds = defaultIdleUnloadSeconds
	}
	if m.CheckIntervalSeconds == 0 {
		m.CheckIntervalSeconds = defaultCheckIntervalSeconds
	}
	if m.ThresholdPercent == 0 {
		m.ThresholdPercent = defaultThresholdPercent
	}
	if m.ReclaimCooldownSeconds == 0 {
		m.ReclaimCooldownSeconds = defaultReclaimCooldown
	}
}

func (c *Config) normalizePolling() {
	p := &c.Polling
	if p.CallIntervalMS == 0 {
		p.CallIntervalMS = defaultCallIntervalMS
	}
	if p.WhatsAppIntervalMS == 0 {
		p.WhatsAppIntervalMS = defaultWhatsAppIntervalMS
	}
	if p.TelegramIntervalMS == 0 {
		p.TelegramIntervalMS = defaultTelegramIntervalMS
	}
	if p.MemoryCheckIntervalMS == 0 {
		p.MemoryCheckIntervalMS = defaultMemoryCheckMS
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv(EnvLogLevel); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
