// Package preflight runs readiness checks before and alongside the daemon.
//
// Checks cover the directories the daemon writes to, the IPC socket path,
// the memory sampler, the netlink power monitor, the optional HTTP bind
// address, and the instance lock. Each check returns a Result the CLI renders
// without needing a running daemon.
package preflight
