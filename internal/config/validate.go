package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateDispatch(); err != nil {
		return err
	}
	if err := c.validatePower(); err != nil {
		return err
	}
	if err := c.validateMemory(); err != nil {
		return err
	}
	if err := c.validatePolling(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if c.Daemon.ShutdownTimeoutSeconds <= 0 {
		return errors.New("daemon.shutdown_timeout_seconds must be positive")
	}
	if c.Daemon.APIBind != "" {
		if _, _, err := net.SplitHostPort(c.Daemon.APIBind); err != nil {
			return fmt.Errorf("daemon.api_bind %q: %w", c.Daemon.APIBind, err)
		}
	}
	if topic := c.Notifications.NtfyTopic; topic != "" {
		u, err := url.Parse(topic)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("notifications.ntfy_topic %q must be an http(s) URL", topic)
		}
	}
	return nil
}

func (c *Config) validateDispatch() error {
	d := c.Dispatch
	if d.QueueCapacity <= 0 {
		return errors.New("dispatch.queue_capacity must be positive")
	}
	if d.WorkerCount <= 0 {
		return errors.New("dispatch.worker_count must be positive")
	}
	if d.HandlerTimeoutSeconds <= 0 {
		return errors.New("dispatch.handler_timeout_seconds must be positive")
	}
	if d.RetryBaseDelayMS <= 0 {
		return errors.New("dispatch.retry_base_delay_ms must be positive")
	}
	if d.RetryMaxDelaySeconds <= 0 {
		return errors.New("dispatch.retry_max_delay_seconds must be positive")
	}
	if d.RetryBaseDelay() > d.RetryMaxDelay() {
		return fmt.Errorf("dispatch.retry_base_delay_ms (%d) exceeds retry_max_delay_seconds (%d)", d.RetryBaseDelayMS, d.RetryMaxDelaySeconds)
	}
	if d.MaxAttempts <= 0 {
		return errors.New("dispatch.max_attempts must be positive")
	}
	return nil
}

func (c *Config) validatePower() error {
	if c.Power.IdleTimeoutSeconds <= 0 {
		return errors.New("power.idle_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateMemory() error {
	m := c.Memory
	if m.IdleUnloadSeconds <= 0 {
		return errors.New("memory.idle_unload_seconds must be positive")
	}
	if m.CheckIntervalSeconds <= 0 {
		return errors.New("memory.check_interval_seconds must be positive")
	}
	if m.ThresholdPercent <= 0 || m.ThresholdPercent > 100 {
		return errors.New("memory.threshold_percent must be between 0 and 100")
	}
	if m.ReclaimCooldownSeconds < 0 {
		return errors.New("memory.reclaim_cooldown_seconds must be >= 0")
	}
	return nil
}

func (c *Config) validatePolling() error {
	p := c.Polling
	for name, value := range map[string]int{
		"polling.call_interval_ms":         p.CallIntervalMS,
		"polling.whatsapp_interval_ms":     p.WhatsAppIntervalMS,
		"polling.telegram_interval_ms":     p.TelegramIntervalMS,
		"polling.memory_check_interval_ms": p.MemoryCheckIntervalMS,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
