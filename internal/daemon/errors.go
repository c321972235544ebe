package daemon

import "errors"

var (
	// ErrAlreadyLocked reports that another daemon holds the instance lock.
	ErrAlreadyLocked = errors.New("another clawd daemon instance is already running")
	// ErrNotRunning reports an operation that needs a started daemon.
	ErrNotRunning = errors.New("daemon is not running")
	// ErrAuditDisabled reports that no audit log is attached.
	ErrAuditDisabled = errors.New("audit trail disabled")
)
