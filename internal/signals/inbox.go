package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"clawd/internal/logging"
)

// Stats summarizes inbox activity.
type Stats struct {
	Source   string `json:"source"`
	Dir      string `json:"dir"`
	Pending  int    `json:"pending"`
	Received uint64 `json:"received"`
	Consumed uint64 `json:"consumed"`
	Watching bool   `json:"watching"`
}

// Inbox tracks marker files in one directory.
type Inbox struct {
	source string
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	// pending maps marker names to their modification time.
	pending  map[string]time.Time
	received uint64
	consumed uint64

	runMu   sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewInbox builds an inbox for source rooted at dir. Nothing is watched until Start.
func NewInbox(source, dir string, logger *slog.Logger) *Inbox {
	return &Inbox{
		source:  source,
		dir:     dir,
		logger:  logging.NewComponentLogger(logger, "inbox").With(logging.String("source", source)),
		pending: make(map[string]time.Time),
	}
}

// Source returns the signal source name.
func (i *Inbox) Source() string { return i.source }

// Dir returns the watched directory.
func (i *Inbox) Dir() string { return i.dir }

// Start creates the directory, picks up markers already present, and begins
// watching. Starting a running inbox is a no-op.
func (i *Inbox) Start(ctx context.Context) error {
	i.runMu.Lock()
	defer i.runMu.Unlock()
	if i.watcher != nil {
		return nil
	}
	if err := os.MkdirAll(i.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox %s: %w", i.dir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(i.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch inbox %s: %w", i.dir, err)
	}
	if err := i.rescan(); err != nil {
		_ = watcher.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	i.watcher = watcher
	i.cancel = cancel
	i.done = done
	go i.run(runCtx, watcher, done)

	i.logger.Debug("inbox watching", logging.String("dir", i.dir), logging.Int("pending", i.Pending()))
	return nil
}

// Stop ends the watch and waits for the watch loop to exit.
func (i *Inbox) Stop() {
	i.runMu.Lock()
	watcher := i.watcher
	cancel := i.cancel
	done := i.done
	i.watcher = nil
	i.cancel = nil
	i.done = nil
	i.runMu.Unlock()
	if watcher == nil {
		return
	}
	cancel()
	<-done
	if err := watcher.Close(); err != nil {
		i.logger.Debug("inbox watcher close failed", logging.Error(err))
	}
}

func (i *Inbox) watching() bool {
	i.runMu.Lock()
	defer i.runMu.Unlock()
	return i.watcher != nil
}

func (i *Inbox) run(ctx context.Context, watcher *fsnotify.Watcher, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			i.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.WarnWithContext(i.logger, "inbox watch error; rescanning", "inbox_watch_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "raise fs.inotify.max_queued_events if this repeats"),
				logging.String(logging.FieldImpact, "signals may be picked up late"),
			)
			if scanErr := i.rescan(); scanErr != nil {
				i.logger.Debug("inbox rescan failed", logging.Error(scanErr))
			}
		}
	}
}

func (i *Inbox) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if ignoredName(name) {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		info, err := os.Stat(event.Name)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		i.add(name, info.ModTime())
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		i.mu.Lock()
		delete(i.pending, name)
		i.mu.Unlock()
	}
}

func (i *Inbox) add(name string, modTime time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.pending[name]; !ok {
		i.received++
	}
	i.pending[name] = modTime
}

func (i *Inbox) rescan() error {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read inbox %s: %w", i.dir, err)
	}
	present := make(map[string]time.Time, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() || ignoredName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		present[entry.Name()] = info.ModTime()
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for name := range i.pending {
		if _, ok := present[name]; !ok {
			delete(i.pending, name)
		}
	}
	for name, modTime := range present {
		if _, ok := i.pending[name]; !ok {
			i.received++
		}
		i.pending[name] = modTime
	}
	return nil
}

// Probe consumes the pending marker with the oldest modification time (ties
// broken by name) and reports whether one existed.
// Without a running watcher the directory is scanned on every call.
func (i *Inbox) Probe(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !i.watching() {
		if err := i.rescan(); err != nil {
			return false, err
		}
	}
	for {
		name, ok := i.oldest()
		if !ok {
			return false, nil
		}
		err := os.Remove(filepath.Join(i.dir, name))
		i.mu.Lock()
		delete(i.pending, name)
		if err == nil {
			i.consumed++
		}
		i.mu.Unlock()
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, os.ErrNotExist):
			continue
		default:
			return false, fmt.Errorf("consume marker %s: %w", name, err)
		}
	}
}

func (i *Inbox) oldest() (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	var oldest string
	var oldestAt time.Time
	found := false
	for name, at := range i.pending {
		if !found || at.Before(oldestAt) || (at.Equal(oldestAt) && name < oldest) {
			oldest, oldestAt, found = name, at, true
		}
	}
	return oldest, found
}

// Pending returns how many markers are waiting.
func (i *Inbox) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Stats returns a snapshot of inbox counters.
func (i *Inbox) Stats() Stats {
	watching := i.watching()
	i.mu.Lock()
	defer i.mu.Unlock()
	return Stats{
		Source:   i.source,
		Dir:      i.dir,
		Pending:  len(i.pending),
		Received: i.received,
		Consumed: i.consumed,
		Watching: watching,
	}
}

// ignoredName skips hidden and partially written files.
func ignoredName(name string) bool {
	return name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".part")
}
