package monitoring

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry is one admin-visible log line, both for REST pagination and
// for LogEntry push-channel envelopes.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// RingLog is a fixed-capacity, single-producer/multi-consumer log
// buffer. When full, the oldest entry is dropped to make room for the
// newest, per spec.md §9's "single-producer-multi-consumer ... oldest
// entry is dropped" requirement.
type RingLog struct {
	mu       sync.Mutex
	entries  []LogEntry
	capacity int
	next     int
	full     bool
	onAppend func(LogEntry)
}

// NewRingLog allocates a ring of the given capacity (spec.md §4.11
// defaults this to 500).
func NewRingLog(capacity int) *RingLog {
	if capacity <= 0 {
		capacity = 500
	}
	return &RingLog{
		entries:  make([]LogEntry, capacity),
		capacity: capacity,
	}
}

// OnAppend registers a callback invoked (outside the lock) after every
// append, used to fan the entry out over the push channel as LogEntry.
func (r *RingLog) OnAppend(fn func(LogEntry)) {
	r.mu.Lock()
	r.onAppend = fn
	r.mu.Unlock()
}

// Append records one entry, overwriting the oldest slot once full.
func (r *RingLog) Append(entry LogEntry) {
	r.mu.Lock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
	cb := r.onAppend
	r.mu.Unlock()
	if cb != nil {
		cb(entry)
	}
}

// Page returns up to limit entries, most recent first, optionally
// filtered to the given levels and a message substring.
func (r *RingLog) Page(levels map[string]bool, substring string, offset, limit int) []LogEntry {
	r.mu.Lock()
	ordered := r.orderedLocked()
	r.mu.Unlock()

	filtered := make([]LogEntry, 0, len(ordered))
	for i := len(ordered) - 1; i >= 0; i-- {
		e := ordered[i]
		if len(levels) > 0 && !levels[e.Level] {
			continue
		}
		if substring != "" && !strings.Contains(e.Message, substring) {
			continue
		}
		filtered = append(filtered, e)
	}

	if offset >= len(filtered) {
		return nil
	}
	end := offset + limit
	if limit <= 0 || end > len(filtered) {
		end = len(filtered)
	}
	return filtered[offset:end]
}

func (r *RingLog) orderedLocked() []LogEntry {
	if !r.full {
		return append([]LogEntry(nil), r.entries[:r.next]...)
	}
	ordered := make([]LogEntry, 0, r.capacity)
	ordered = append(ordered, r.entries[r.next:]...)
	ordered = append(ordered, r.entries[:r.next]...)
	return ordered
}

// Hook adapts RingLog to a logrus.Hook so every entry emitted by the
// logger it is added to is captured for REST/push replay. Loggers it
// is not added to are not captured.
type Hook struct {
	Ring *RingLog
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	fields := make(map[string]string, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = toString(v)
	}
	h.Ring.Append(LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    fields,
	})
	return nil
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	default:
		return fmt.Sprintf("%v", t)
	}
}
