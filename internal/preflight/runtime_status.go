package preflight

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

// LockProbe reports whether the daemon instance lock is held.
type LockProbe struct {
	Path string
	Held bool
	Err  error
}

// ProbeLock tries the instance lock without keeping it. A missing lock file
// means no daemon has run from this configuration.
func ProbeLock(path string) LockProbe {
	probe := LockProbe{Path: path}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return probe
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		probe.Err = err
		return probe
	}
	if !ok {
		probe.Held = true
		return probe
	}
	_ = lock.Unlock()
	return probe
}

// Detail renders a display-friendly summary for status output.
func (p LockProbe) Detail() string {
	switch {
	case p.Err != nil:
		return fmt.Sprintf("unknown (%v)", p.Err)
	case p.Held:
		return "held by a running daemon"
	default:
		return "free"
	}
}
