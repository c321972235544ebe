package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"clawd/internal/audit"
	"clawd/internal/config"
	"clawd/internal/daemon"
	"clawd/internal/events"
	"clawd/internal/ipc"
	"clawd/internal/logging"
	"clawd/internal/preflight"
	"clawd/internal/signals"
)

const auditPruneInterval = 24 * time.Hour

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// inboxSources maps each watched inbox to the event kind it produces.
var inboxSources = []struct {
	source string
	kind   events.Kind
}{
	{"calls", events.KindCall},
	{"whatsapp", events.KindWhatsApp},
	{"telegram", events.KindTelegram},
}

// Run starts the clawd daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("clawd-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.LogPath(), logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update clawd.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "clawd-*.log", Exclude: []string{logPath}},
	)
	logPreflight(signalCtx, logger, cfg)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	var daemonOpts []daemon.Option
	if cfg.Audit.Enabled {
		store, err := audit.Open(cfg.AuditPath())
		if err != nil {
			logger.Error("open audit store", logging.Error(err))
			return err
		}
		defer store.Close()
		pruneAudit(signalCtx, logger, store, cfg.Audit.RetentionDays)

		pruneCtx, stopPrune := context.WithCancel(signalCtx)
		var wg sync.WaitGroup
		wg.Go(func() { pruneLoop(pruneCtx, logger, store, cfg.Audit.RetentionDays) })
		defer func() {
			stopPrune()
			wg.Wait()
		}()
		daemonOpts = append(daemonOpts, daemon.WithAuditLog(store))
	}

	for _, src := range inboxSources {
		inbox := signals.NewInbox(src.source, cfg.InboxFor(src.source), logger)
		if err := inbox.Start(signalCtx); err != nil {
			logging.WarnWithContext(logger, "inbox watcher unavailable; falling back to scanning", "inbox_watch_failed",
				logging.String("source", src.source),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check permissions on "+inbox.Dir()),
				logging.String(logging.FieldImpact, "signals are picked up on each poll instead of on write"),
			)
		}
		defer inbox.Stop()
		daemonOpts = append(daemonOpts, daemon.WithProbe(src.kind, inbox.Probe))
	}

	d, err := daemon.New(cfg, logger, daemonOpts...)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d, logger, ipc.WithLogPath(cfg.LogPath()))
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logging.WarnWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for another clawd instance and the lock file"),
			logging.String(logging.FieldImpact, "signals will not be processed until `claw start`"),
		)
	}

	<-signalCtx.Done()
	logger.Info("clawd daemon shutting down",
		logging.String(logging.FieldEventType, "daemon_shutdown"),
	)
	d.Stop(cfg.Daemon.ShutdownTimeout())
	return nil
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	for _, result := range preflight.RunAll(ctx, cfg) {
		if result.Passed {
			logger.Debug("preflight check passed",
				logging.String("check", result.Name),
				logging.String("detail", result.Detail),
			)
			continue
		}
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "run `claw config validate` for details"),
		)
	}
}

func pruneAudit(ctx context.Context, logger *slog.Logger, store *audit.Store, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	removed, err := store.Prune(ctx, time.Duration(retentionDays)*24*time.Hour)
	if err != nil {
		logging.WarnWithContext(logger, "audit prune failed", "audit_prune_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "audit database keeps growing"),
		)
		return
	}
	if removed > 0 {
		logger.Info("audit entries pruned",
			logging.Int64("removed", removed),
			logging.String(logging.FieldEventType, "audit_pruned"),
		)
	}
}

func pruneLoop(ctx context.Context, logger *slog.Logger, store *audit.Store, retentionDays int) {
	ticker := time.NewTicker(auditPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruneAudit(ctx, logger, store, retentionDays)
		}
	}
}

func ensureCurrentLogPointer(current, target string) error {
	if current == "" || target == "" {
		return nil
	}
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
