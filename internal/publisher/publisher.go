// Package publisher forwards aggregator snapshots to an external
// public-results backend, applying its own debounce/throttle timers
// and a circuit breaker independent of the SubscriberHub's push path.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"racecaster/internal/eventstate"
	"racecaster/internal/logging"
	"racecaster/internal/xmlmodel"
)

// Publisher forwards one outbound payload to the external backend. The
// default implementation forwards over HTTP; tests and alternative
// backends can supply their own.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload interface{}) error
}

// HTTPPublisher forwards payloads as JSON POST bodies to a configured
// base URL, one path segment per kind (e.g. POST {baseURL}/xml,
// POST {baseURL}/on-course, POST {baseURL}/results).
type HTTPPublisher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPPublisher constructs an HTTPPublisher.
func NewHTTPPublisher(baseURL string, client *http.Client) *HTTPPublisher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPPublisher{baseURL: baseURL, client: client}
}

func (p *HTTPPublisher) Publish(ctx context.Context, kind string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/"+kind, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return &httpStatusError{resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ status int }

func (e *httpStatusError) Error() string {
	return http.StatusText(e.status)
}

const (
	xmlDebounce      = 2 * time.Second
	onCourseInterval = 500 * time.Millisecond // throttle to <=2/s
	resultsDebounce  = 1 * time.Second
)

// Forwarder drains an aggregator's change feed and forwards debounced
// and throttled payloads to a Publisher through a circuit breaker that
// opens after 5 consecutive failures and stays open for 30s.
type Forwarder struct {
	publisher Publisher
	logger    logging.Logger
	executor  failsafe.Executor[any]

	mu             sync.Mutex
	lastOnCourseAt time.Time
	xmlTimer       *time.Timer
	resultsTimers  map[string]*time.Timer
}

// NewForwarder constructs a Forwarder. publisher may not be nil.
func NewForwarder(publisher Publisher, logger logging.Logger) *Forwarder {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(5).
		WithDelay(30 * time.Second).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			if logger != nil {
				logger.WithFields(logging.Fields{
					"from": event.OldState.String(),
					"to":   event.NewState.String(),
				}).Warn("publisher: circuit breaker state change")
			}
		}).
		Build()

	return &Forwarder{
		publisher:     publisher,
		logger:        logger,
		executor:      failsafe.With[any](cb),
		resultsTimers: make(map[string]*time.Timer),
	}
}

// Run drains snapshots from changes until ctx is cancelled or the
// channel closes.
func (f *Forwarder) Run(ctx context.Context, changes <-chan eventstate.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-changes:
			if !ok {
				return
			}
			f.handle(ctx, snap)
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, snap eventstate.Snapshot) {
	if snap.OnCourse != nil {
		f.throttleOnCourse(ctx, snap.OnCourse)
	}
	if snap.Results != nil {
		f.debounceResults(ctx, *snap.Results)
	}
	if snap.Schedule != nil || snap.RaceConfig != nil {
		f.debounceXML(ctx, snap)
	}
}

func (f *Forwarder) throttleOnCourse(ctx context.Context, competitors []xmlmodel.OnCourseCompetitor) {
	f.mu.Lock()
	now := time.Now()
	if now.Sub(f.lastOnCourseAt) < onCourseInterval {
		f.mu.Unlock()
		return
	}
	f.lastOnCourseAt = now
	f.mu.Unlock()

	f.publish(ctx, "on-course", competitors)
}

func (f *Forwarder) debounceResults(ctx context.Context, results xmlmodel.Results) {
	raceID := results.RaceID

	f.mu.Lock()
	if t, ok := f.resultsTimers[raceID]; ok {
		t.Stop()
	}
	f.resultsTimers[raceID] = time.AfterFunc(resultsDebounce, func() {
		f.publish(ctx, "results", results)
	})
	f.mu.Unlock()
}

func (f *Forwarder) debounceXML(ctx context.Context, snap eventstate.Snapshot) {
	f.mu.Lock()
	if f.xmlTimer != nil {
		f.xmlTimer.Stop()
	}
	f.xmlTimer = time.AfterFunc(xmlDebounce, func() {
		f.publish(ctx, "xml", snap)
	})
	f.mu.Unlock()
}

func (f *Forwarder) publish(ctx context.Context, kind string, payload interface{}) {
	_, err := f.executor.WithContext(ctx).Get(func() (any, error) {
		return nil, f.publisher.Publish(ctx, kind, payload)
	})
	if err != nil && f.logger != nil {
		f.logger.WithError(err).WithFields(logging.Fields{"kind": kind}).Warn("publisher: forward failed")
	}
}
