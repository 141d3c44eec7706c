// Package xmlsource turns file-change notifications from filewatch
// into full-content frames, validating the engine's magic prefix.
package xmlsource

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"racecaster/internal/filewatch"
	"racecaster/internal/logging"
)

// Status mirrors the UI-facing source status vocabulary; xmlsource only
// ever reports connecting/connected (no backoff concept, a file has no
// socket to retry).
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
)

// MagicPrefix is the expected leading bytes of a valid engine document.
var MagicPrefix = []byte("<Canoe123")

// Source reads path on every watcher notification and emits the full
// file content as one frame, once its magic prefix validates.
type Source struct {
	path    string
	watcher *filewatch.Watcher
	logger  logging.Logger

	messages chan []byte
	statuses chan Status
	errs     chan error

	mu        sync.Mutex
	lastMtime time.Time
	status    Status
}

// New constructs a Source reading path whenever watcher reports ready
// or a change.
func New(path string, watcher *filewatch.Watcher, logger logging.Logger) *Source {
	return &Source{
		path:     path,
		watcher:  watcher,
		logger:   logger,
		messages: make(chan []byte, 4),
		statuses: make(chan Status, 8),
		errs:     make(chan error, 8),
		status:   StatusConnecting,
	}
}

func (s *Source) Messages() <-chan []byte { return s.messages }
func (s *Source) Statuses() <-chan Status { return s.statuses }
func (s *Source) Errors() <-chan error    { return s.errs }

// Run drains the watcher's ready/change/error channels until ctx ends.
// Callers are responsible for running watcher.Run concurrently.
func (s *Source) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.watcher.Ready():
			if !ok {
				return
			}
			s.readAndEmit(ctx)
		case _, ok := <-s.watcher.Changes():
			if !ok {
				return
			}
			s.readAndEmit(ctx)
		case err, ok := <-s.watcher.Errors():
			if !ok {
				return
			}
			s.emitErr(err)
		}
	}
}

func (s *Source) readAndEmit(ctx context.Context) {
	info, statErr := os.Stat(s.path)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			s.setStatus(ctx, StatusConnecting)
		}
		s.emitErr(statErr)
		return
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.emitErr(err)
		return
	}

	if !bytes.HasPrefix(bytes.TrimSpace(data), MagicPrefix) {
		s.emitErr(fmt.Errorf("xmlsource: %s missing magic prefix", s.path))
		return
	}

	s.mu.Lock()
	s.lastMtime = info.ModTime()
	s.mu.Unlock()

	s.setStatus(ctx, StatusConnected)
	s.emitMessage(ctx, data)
}

func (s *Source) setStatus(ctx context.Context, st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	select {
	case s.statuses <- st:
	case <-ctx.Done():
	default:
	}
}

func (s *Source) emitMessage(ctx context.Context, data []byte) {
	select {
	case s.messages <- data:
	case <-ctx.Done():
	}
}

func (s *Source) emitErr(err error) {
	if s.logger != nil {
		s.logger.WithError(err).Warn("xmlsource error")
	}
	select {
	case s.errs <- err:
	default:
	}
}
