// Package tcpsource maintains a long-lived TCP client to the Timing
// Engine with exponential-backoff reconnect, wrapping a frame.Reader.
package tcpsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"racecaster/internal/frame"
	"racecaster/internal/logging"
)

// State is one point in the TcpSource connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

const (
	initialBackoff    = 1 * time.Second
	maxBackoff        = 30 * time.Second
	backoffMultiplier = 2
)

// ErrNotWritable is returned by Write when the source has no live
// connection.
var ErrNotWritable = errors.New("tcpsource: not writable while disconnected")

// Source is a reconnecting TCP client emitting frames, status changes
// and errors over channels.
type Source struct {
	host         string
	port         int
	maxFrameSize int
	logger       logging.Logger
	dialTimeout  time.Duration

	messages chan []byte
	statuses chan State
	errs     chan error

	mu      sync.Mutex
	conn    net.Conn
	state   State
	cancel  context.CancelFunc
	backoff time.Duration

	stopOnce sync.Once
}

// New constructs a Source targeting host:port. maxFrameSize <= 0 selects
// frame.DefaultMaxSize.
func New(host string, port int, logger logging.Logger, maxFrameSize int) *Source {
	return &Source{
		host:         host,
		port:         port,
		maxFrameSize: maxFrameSize,
		logger:       logger,
		dialTimeout:  10 * time.Second,
		messages:     make(chan []byte),
		statuses:     make(chan State, 8),
		errs:         make(chan error, 8),
		state:        StateDisconnected,
	}
}

// Messages yields one frame per call, in arrival order.
func (s *Source) Messages() <-chan []byte { return s.messages }

// Statuses yields one value per state transition.
func (s *Source) Statuses() <-chan State { return s.statuses }

// Errors yields recoverable and terminal I/O errors.
func (s *Source) Errors() <-chan error { return s.errs }

// State reports the current connection state.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run drives the reconnect loop until ctx is cancelled or Stop is
// called. It returns once the source has reached its terminal
// disconnected state.
func (s *Source) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.backoff = initialBackoff
	s.mu.Unlock()
	defer cancel()

	for {
		if ctx.Err() != nil {
			s.setState(ctx, StateDisconnected)
			return
		}

		s.setState(ctx, StateConnecting)
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port)), s.dialTimeout)
		if err != nil {
			s.emitErr(ctx, err)
			s.setState(ctx, StateDisconnected)
			if !s.sleepBackoff(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.setState(ctx, StateConnected)

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		s.setState(ctx, StateDisconnected)

		if !s.sleepBackoff(ctx) {
			return
		}
	}
}

func (s *Source) readLoop(ctx context.Context, conn net.Conn) {
	// Closing the connection on cancellation unblocks a pending Read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	reader := frame.NewReader(conn, '|', s.maxFrameSize)
	for {
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		f, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			var frameErr *frame.Error
			if errors.As(err, &frameErr) {
				s.emitErr(ctx, frameErr)
				continue
			}
			s.emitErr(ctx, err)
			return
		}
		s.resetBackoff()
		s.emitMessage(ctx, f)
	}
}

// Write sends an outbound frame with the delimiter appended. Fails with
// ErrNotWritable while disconnected.
func (s *Source) Write(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	state := s.state
	s.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotWritable
	}
	_, err := conn.Write(append(payload, '|'))
	return err
}

// Stop idempotently cancels any in-flight connect/read and transitions
// the source to its terminal disconnected state.
func (s *Source) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if cancel != nil {
			cancel()
		}
	})
}

func (s *Source) setState(ctx context.Context, st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	select {
	case s.statuses <- st:
	case <-ctx.Done():
	}
}

func (s *Source) emitMessage(ctx context.Context, f []byte) {
	select {
	case s.messages <- f:
	case <-ctx.Done():
	}
}

func (s *Source) emitErr(ctx context.Context, err error) {
	if s.logger != nil {
		s.logger.WithError(err).Warn("tcpsource error")
	}
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Source) resetBackoff() {
	s.mu.Lock()
	s.backoff = initialBackoff
	s.mu.Unlock()
}

// sleepBackoff waits the current backoff duration (doubling it, capped,
// for next time) or returns false if ctx was cancelled first.
func (s *Source) sleepBackoff(ctx context.Context) bool {
	s.mu.Lock()
	d := s.backoff
	next := s.backoff * backoffMultiplier
	if next > maxBackoff {
		next = maxBackoff
	}
	s.backoff = next
	s.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
