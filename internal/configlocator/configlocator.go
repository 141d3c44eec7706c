// Package configlocator locates the Timing Engine's active XML file by
// reading the engine's own on-disk user settings.
package configlocator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"racecaster/internal/logging"
)

// Mode selects which candidate path Locate prefers.
type Mode string

const (
	ModeAutoOffline Mode = "auto-offline"
	ModeAutoMain    Mode = "auto-main"
	ModeManual      Mode = "manual"
)

// Candidate is one possible path to the engine's active XML file.
type Candidate struct {
	Path   string
	Exists bool
}

// Result is one detection outcome. Found is false when either the
// engine's settings tree could not be located or the resolved path
// (per Mode) does not exist on disk — both are reported structurally,
// never as an error.
type Result struct {
	Found    bool
	Offline  Candidate
	Main     Candidate
	Resolved string
}

var (
	currentEventFileRe = regexp.MustCompile(`(?s)<setting name="CurrentEventFile"[^>]*>\s*<value>(.*?)</value>`)
	autoCopyFolderRe   = regexp.MustCompile(`(?s)<setting name="AutoCopyFolder"[^>]*>\s*<value>(.*?)</value>`)
)

// Locator resolves the engine's active XML file path.
type Locator struct {
	settingsRoot string
	namePrefix   string
	logger       logging.Logger

	mu         sync.RWMutex
	mode       Mode
	manualPath string
}

// New constructs a Locator. settingsRoot is the user's local
// configuration area (e.g. %LocalAppData% on Windows); namePrefix is
// the engine's settings-directory naming pattern (e.g. "Canoe123").
func New(settingsRoot, namePrefix string, mode Mode, manualPath string, logger logging.Logger) *Locator {
	return &Locator{
		settingsRoot: settingsRoot,
		namePrefix:   namePrefix,
		mode:         mode,
		manualPath:   manualPath,
		logger:       logger,
	}
}

// Mode returns the locator's current mode knob.
func (l *Locator) Mode() Mode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mode
}

// SetMode changes the mode knob used by subsequent Locate calls.
func (l *Locator) SetMode(mode Mode) {
	l.mu.Lock()
	l.mode = mode
	l.mu.Unlock()
}

// ManualPath returns the path used when in ModeManual.
func (l *Locator) ManualPath() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.manualPath
}

// SetManualPath changes the path used when in ModeManual.
func (l *Locator) SetManualPath(path string) {
	l.mu.Lock()
	l.manualPath = path
	l.mu.Unlock()
}

// Locate runs the detection algorithm once.
func (l *Locator) Locate() Result {
	l.mu.RLock()
	mode := l.mode
	manualPath := l.manualPath
	l.mu.RUnlock()

	if mode == ModeManual {
		exists := fileExists(manualPath)
		c := Candidate{Path: manualPath, Exists: exists}
		resolved := ""
		if exists {
			resolved = manualPath
		}
		return Result{Found: exists, Main: c, Resolved: resolved}
	}

	dir, err := l.findNewestSettingsDir()
	if err != nil {
		if l.logger != nil {
			l.logger.WithError(err).Debug("configlocator: settings tree not found")
		}
		return Result{Found: false}
	}

	currentEventFile, autoCopyFolder, err := parseUserConfig(filepath.Join(dir, "user.config"))
	if err != nil {
		if l.logger != nil {
			l.logger.WithError(err).Warn("configlocator: failed to read user.config")
		}
		return Result{Found: false}
	}

	offlinePath := ""
	if autoCopyFolder != "" && currentEventFile != "" {
		offlinePath = filepath.Join(autoCopyFolder, filepath.Base(currentEventFile))
	}
	offline := Candidate{Path: offlinePath, Exists: offlinePath != "" && fileExists(offlinePath)}
	main := Candidate{Path: currentEventFile, Exists: currentEventFile != "" && fileExists(currentEventFile)}

	resolved := ""
	switch mode {
	case ModeAutoOffline:
		if offline.Exists {
			resolved = offline.Path
		} else if main.Exists {
			resolved = main.Path
		}
	case ModeAutoMain:
		if main.Exists {
			resolved = main.Path
		}
	}

	return Result{Found: resolved != "", Offline: offline, Main: main, Resolved: resolved}
}

// Monitor repeats Locate at interval and emits a Result whenever the
// resolved path changes (including the first detection). The returned
// channel is closed when ctx is cancelled.
func (l *Locator) Monitor(ctx context.Context, interval time.Duration) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		var last string
		first := true
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			result := l.Locate()
			if first || result.Resolved != last {
				first = false
				last = result.Resolved
				select {
				case out <- result:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (l *Locator) findNewestSettingsDir() (string, error) {
	entries, err := os.ReadDir(l.settingsRoot)
	if err != nil {
		return "", err
	}

	var best string
	var bestMtime time.Time
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), l.namePrefix) {
			continue
		}
		candidate := filepath.Join(l.settingsRoot, e.Name(), "user.config")
		info, statErr := os.Stat(candidate)
		if statErr != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMtime) {
			best = filepath.Join(l.settingsRoot, e.Name())
			bestMtime = info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("configlocator: no %s* settings directory with user.config under %s", l.namePrefix, l.settingsRoot)
	}
	return best, nil
}

func parseUserConfig(path string) (currentEventFile, autoCopyFolder string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	if m := currentEventFileRe.FindSubmatch(data); m != nil {
		currentEventFile = strings.TrimSpace(string(m[1]))
	}
	if m := autoCopyFolderRe.FindSubmatch(data); m != nil {
		autoCopyFolder = strings.TrimSpace(string(m[1]))
	}
	return currentEventFile, autoCopyFolder, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
