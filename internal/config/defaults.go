package config

const (
	defaultStateDir              = "~/.local/share/clawd"
	defaultLogDir                = "~/.local/share/clawd/logs"
	defaultInboxDir              = "~/.local/share/clawd/inbox"
	defaultQueueCapacity         = 1000
	defaultWorkerCount           = 4
	defaultHandlerTimeoutSeconds = 30
	defaultRetryBaseDelayMS      = 1000
	defaultRetryMaxDelaySeconds  = 60
	defaultMaxAttempts           = 3
	defaultIdleTimeoutSeconds    = 300
	defaultIdleUnloadSeconds     = 300
	defaultCheckIntervalSeconds  = 60
	defaultThresholdPercent      = 85.0
	defaultReclaimCooldown       = 30
	defaultCallIntervalMS        = 500
	defaultWhatsAppIntervalMS    = 5000
	defaultTelegramIntervalMS    = 500
	defaultMemoryCheckMS         = 60000
	defaultShutdownTimeout       = 30
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 30
	defaultAuditRetentionDays    = 30
	defaultNtfyTimeoutSeconds    = 10
)

// Default returns a Config populated with repository defaults. Paths are left
// unexpanded until Load normalizes them.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
			InboxDir: defaultInboxDir,
		},
		Dispatch: Dispatch{
			QueueCapacity:         defaultQueueCapacity,
			WorkerCount:           defaultWorkerCount,
			HandlerTimeoutSeconds: defaultHandlerTimeoutSeconds,
			RetryBaseDelayMS:      defaultRetryBaseDelayMS,
			RetryMaxDelaySeconds:  defaultRetryMaxDelaySeconds,
			MaxAttempts:           defaultMaxAttempts,
		},
		Power: Power{
			Optimization:       true,
			IdleTimeoutSeconds: defaultIdleTimeoutSeconds,
			NetlinkMonitor:     true,
		},
		Memory: Memory{
			IdleUnloadSeconds:      defaultIdleUnloadSeconds,
			CheckIntervalSeconds:   defaultCheckIntervalSeconds,
			ThresholdPercent:       defaultThresholdPercent,
			ReclaimCooldownSeconds: defaultReclaimCooldown,
		},
		Polling: Polling{
			CallIntervalMS:        defaultCallIntervalMS,
			WhatsAppIntervalMS:    defaultWhatsAppIntervalMS,
			TelegramIntervalMS:    defaultTelegramIntervalMS,
			MemoryCheckIntervalMS: defaultMemoryCheckMS,
		},
		Daemon: Daemon{
			ShutdownTimeoutSeconds: defaultShutdownTimeout,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Audit: Audit{
			Enabled:       true,
			RetentionDays: defaultAuditRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
	}
}
