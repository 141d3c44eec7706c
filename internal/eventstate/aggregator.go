// Package eventstate reduces decoded records from every ingestion
// source into one versioned event snapshot, single-writer.
package eventstate

import (
	"context"
	"sync"

	"racecaster/internal/logging"
	"racecaster/internal/xmlmodel"
)

// Snapshot is the aggregated, versioned view of the event state. Never
// mutated in place: every applied record produces a new value.
type Snapshot struct {
	CurrentRaceID *string
	OnCourse      []xmlmodel.OnCourseCompetitor
	Results       *xmlmodel.Results
	Schedule      *xmlmodel.Schedule
	RaceConfig    *xmlmodel.RaceConfig
	TimeOfDay     *string
	Version       uint64
}

// Aggregator is the single writer of the event snapshot. Every decoded
// record from every source funnels through Submit in arrival order;
// Run applies them one at a time on its own goroutine.
type Aggregator struct {
	logger logging.Logger

	input chan xmlmodel.Record

	mu      sync.RWMutex
	current Snapshot

	subMu       sync.Mutex
	subscribers []chan Snapshot
}

// New constructs an Aggregator with an empty initial snapshot (version 0).
func New(logger logging.Logger) *Aggregator {
	return &Aggregator{
		logger: logger,
		input:  make(chan xmlmodel.Record, 256),
	}
}

// Submit enqueues a decoded record for application. Blocks only if the
// input queue is full; never performs I/O itself.
func (a *Aggregator) Submit(ctx context.Context, rec xmlmodel.Record) {
	select {
	case a.input <- rec:
	case <-ctx.Done():
	}
}

// Subscribe registers a new downstream consumer (SubscriberHub, the
// external publisher) and returns its private change feed. Each
// consumer drains its own channel independently; a slow consumer never
// blocks the aggregator or other consumers.
func (a *Aggregator) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 32)
	a.subMu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.subMu.Unlock()
	return ch
}

// Snapshot returns the current snapshot. Safe for concurrent use.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Run drains the input queue until ctx is cancelled. Must be driven by
// exactly one goroutine.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-a.input:
			a.apply(rec)
		}
	}
}

func (a *Aggregator) apply(rec xmlmodel.Record) {
	a.mu.Lock()
	next := a.current

	applied := true
	switch r := rec.(type) {
	case xmlmodel.TimeOfDay:
		next.TimeOfDay = r.Time
	case xmlmodel.RaceConfig:
		rc := r
		next.RaceConfig = &rc
	case xmlmodel.Schedule:
		sc := r
		next.Schedule = &sc
	case xmlmodel.OnCourse:
		next.OnCourse = r.Competitors
	case xmlmodel.Results:
		res := r
		next.Results = &res
		if r.IsCurrent {
			id := r.RaceID
			next.CurrentRaceID = &id
		}
	default:
		// Unknown, or any future variant: observed but never stored.
		applied = false
	}

	if !applied {
		a.mu.Unlock()
		return
	}

	next.Version = a.current.Version + 1
	a.current = next
	a.mu.Unlock()

	a.broadcast(next)
}

func (a *Aggregator) broadcast(snap Snapshot) {
	a.subMu.Lock()
	subs := append([]chan Snapshot(nil), a.subscribers...)
	a.subMu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			if a.logger != nil {
				a.logger.Warn("eventstate: dropping snapshot, subscriber queue full")
			}
		}
	}
}
