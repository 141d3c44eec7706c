// Package filewatch watches a single file for changes, preferring the
// host OS's native notification facility with a polling fallback.
package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"racecaster/internal/logging"
)

// Mode selects the change-detection strategy.
type Mode string

const (
	ModeNative  Mode = "native"
	ModePolling Mode = "polling"
)

const (
	DefaultPollInterval = 1 * time.Second
	DefaultDebounce     = 100 * time.Millisecond
)

// Watcher emits a change notification when path changes. In native mode
// a burst of write events is debounced into one notification; in
// polling mode a change is reported at most once per poll tick and the
// debounce interval is not applied.
type Watcher struct {
	path         string
	mode         Mode
	pollInterval time.Duration
	debounce     time.Duration
	logger       logging.Logger

	ready   chan struct{}
	changes chan struct{}
	errs    chan error

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New constructs a Watcher for path. pollInterval/debounce <= 0 select
// their package defaults.
func New(path string, mode Mode, pollInterval, debounce time.Duration, logger logging.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		path:         path,
		mode:         mode,
		pollInterval: pollInterval,
		debounce:     debounce,
		logger:       logger,
		ready:        make(chan struct{}, 1),
		changes:      make(chan struct{}, 1),
		errs:         make(chan error, 8),
	}
}

func (w *Watcher) Ready() <-chan struct{}   { return w.ready }
func (w *Watcher) Changes() <-chan struct{} { return w.changes }
func (w *Watcher) Errors() <-chan error     { return w.errs }

// Run watches until ctx is cancelled or Stop is called. A native-mode
// watcher that cannot be established (missing directory, platform
// limits) falls back to polling rather than failing the whole source.
func (w *Watcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	lastMtime, _ := statMtime(w.path)
	w.emitReady(ctx)

	if w.mode == ModeNative {
		if err := w.runNative(ctx, lastMtime); err == nil {
			return nil
		} else if w.logger != nil {
			w.logger.WithError(err).Warn("native file watch unavailable, falling back to polling")
		}
	}
	return w.runPolling(ctx, lastMtime)
}

func (w *Watcher) runNative(ctx context.Context, lastMtime time.Time) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(w.path)
	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(w.debounce)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(w.debounce)
			}
			debounceCh = debounceTimer.C
		case <-debounceCh:
			debounceCh = nil
			w.emitChange(ctx)
		case fsErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.emitErr(fsErr)
		}
	}
}

func (w *Watcher) runPolling(ctx context.Context, lastMtime time.Time) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mtime, err := statMtime(w.path)
			if err != nil {
				w.emitErr(err)
				continue
			}
			if !mtime.Equal(lastMtime) {
				lastMtime = mtime
				w.emitChange(ctx)
			}
		}
	}
}

// Stop idempotently cancels Run.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		cancel := w.cancel
		w.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (w *Watcher) emitReady(ctx context.Context) {
	select {
	case w.ready <- struct{}{}:
	case <-ctx.Done():
	default:
	}
}

func (w *Watcher) emitChange(ctx context.Context) {
	select {
	case w.changes <- struct{}{}:
	case <-ctx.Done():
	default:
	}
}

func (w *Watcher) emitErr(err error) {
	if w.logger != nil {
		w.logger.WithError(err).Warn("filewatch error")
	}
	select {
	case w.errs <- err:
	default:
	}
}

func statMtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
