package preflight

import (
	"context"

	"clawd/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// signalSources are the inbox subdirectories the daemon watches.
var signalSources = []string{"calls", "whatsapp", "telegram"}

// RunAll executes all applicable preflight checks for the given config.
// Optional subsystems are only checked when enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckDirectoryAccess("Inbox directory", cfg.Paths.InboxDir),
	}
	for _, source := range signalSources {
		dir := cfg.InboxFor(source)
		if !exists(dir) {
			continue
		}
		results = append(results, CheckDirectoryAccess("Inbox "+source, dir))
	}
	results = append(results,
		CheckSocketPath(cfg.SocketPath()),
		CheckMemorySampler(nil),
	)

	if cfg.Power.NetlinkMonitor {
		results = append(results, CheckNetlink())
	}
	if cfg.Daemon.APIBind != "" {
		results = append(results, CheckAPIBind(ctx, cfg.Daemon.APIBind))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
