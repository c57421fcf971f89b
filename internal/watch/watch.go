// ABOUTME: Directory change notification with graceful fallback to interval polling.
// ABOUTME: Wraps fsnotify; absence of a working notifier never fails, it just degrades.

package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// safetyTickFactor bounds how long an event-driven Wait can block before
// forcing a wakeup anyway. fsnotify can drop events under load, and a
// periodic forced rescan keeps consumers from stalling forever when it does.
const safetyTickFactor = 20

// Watcher wakes a consumer when the contents of one directory change.
//
// When fsnotify is available the wait is event-driven; when it is not
// (unsupported filesystem, fd exhaustion, ...) the watcher degrades to a
// fixed-interval timer with identical externally observable behavior:
// Wait returns and the caller rescans.
type Watcher struct {
	dir          string
	pollInterval time.Duration
	fs           *fsnotify.Watcher // nil in polling mode
	logger       *slog.Logger
}

// New creates a watcher for dir. It never fails: if the notification
// mechanism cannot be set up, or forcePoll is set, the returned watcher
// operates in polling mode.
func New(dir string, pollInterval time.Duration, forcePoll bool, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		dir:          dir,
		pollInterval: pollInterval,
		logger:       logger.With("component", "watch", "dir", dir),
	}
	if forcePoll {
		return w
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
		return w
	}
	if err := fs.Add(dir); err != nil {
		w.logger.Warn("cannot watch directory, falling back to polling", "error", err)
		fs.Close()
		return w
	}
	w.fs = fs
	return w
}

// Polling reports whether the watcher is operating in fallback polling mode.
func (w *Watcher) Polling() bool {
	return w.fs == nil
}

// Wait blocks until the directory may have changed, then returns true.
// It returns false only when ctx is done. In polling mode every call
// simply sleeps one poll interval.
func (w *Watcher) Wait(ctx context.Context) bool {
	if w.fs == nil {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(w.pollInterval):
			return true
		}
	}

	safety := time.NewTimer(safetyTickFactor * w.pollInterval)
	defer safety.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-safety.C:
			return true
		case ev, ok := <-w.fs.Events:
			if !ok {
				return w.waitPolling(ctx)
			}
			if ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename) {
				return true
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return w.waitPolling(ctx)
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// waitPolling is the degraded path taken when the fsnotify channels close
// underneath a blocked Wait.
func (w *Watcher) waitPolling(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(w.pollInterval):
		return true
	}
}

// Close releases the underlying notifier, if any.
func (w *Watcher) Close() error {
	if w.fs == nil {
		return nil
	}
	return w.fs.Close()
}
