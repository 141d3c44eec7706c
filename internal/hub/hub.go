// Package hub accepts push-channel subscribers and fans out event-state
// changes, XML change notifications, and log entries to them.
package hub

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"racecaster/internal/clientconfig"
	"racecaster/internal/logging"
	"racecaster/internal/xmlmodel"

	"github.com/gorilla/websocket"
)

// Envelope message types, per the wire protocol.
const (
	TypeTimeOfDay    = "TimeOfDay"
	TypeOnCourse     = "OnCourse"
	TypeResults      = "Results"
	TypeRaceConfig   = "RaceConfig"
	TypeSchedule     = "Schedule"
	TypeConnected    = "Connected"
	TypeError        = "Error"
	TypeXmlChange    = "XmlChange"
	TypeForceRefresh = "ForceRefresh"
	TypeConfigPush   = "ConfigPush"
	TypeLogEntry     = "LogEntry"
)

// alwaysSent are the envelope types every subscriber receives
// regardless of its filter: the invariant-3 set plus LogEntry.
var alwaysSent = map[string]bool{
	TypeTimeOfDay:    true,
	TypeConnected:    true,
	TypeError:        true,
	TypeXmlChange:    true,
	TypeForceRefresh: true,
	TypeConfigPush:   true,
	TypeLogEntry:     true,
}

// Envelope is the JSON wrapper carried on the wire.
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Filter is one subscriber's delivery filter.
type Filter struct {
	RaceFilter   map[string]struct{} // nil means "all races"
	ShowOnCourse bool
	ShowResults  bool
}

// DefaultFilter is applied to a session that never calls SetFilter.
func DefaultFilter() Filter {
	return Filter{ShowOnCourse: true, ShowResults: true}
}

// ConfigLookup is satisfied by the client registry; kept as an
// interface here so this package never imports it (registry depends
// on hub for config-push delivery, not the reverse).
type ConfigLookup interface {
	Get(key string) (clientconfig.Config, bool)
	TouchLastSeen(key string)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Session is one subscriber's push-channel connection.
type Session struct {
	id            uint64
	remoteAddress string
	connectedAt   time.Time

	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Logger

	mu           sync.Mutex
	lastActivity time.Time
	filter       Filter
	clientState  map[string]interface{}
	durableKey   string

	closeOnce sync.Once
}

// ID returns the session's server-assigned sequential identifier.
func (s *Session) ID() uint64 { return s.id }

// RemoteAddress returns the subscriber's network address.
func (s *Session) RemoteAddress() string { return s.remoteAddress }

// DurableKey returns the identity key this session was registered
// under: the subscriber's remote IP. A client-presented identity token
// is not read.
func (s *Session) DurableKey() string { return s.durableKey }

// Snapshot returns a point-in-time copy of session metadata for
// admin/status surfaces.
func (s *Session) Snapshot() (filter Filter, clientState map[string]interface{}, lastActivity time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stateCopy := make(map[string]interface{}, len(s.clientState))
	for k, v := range s.clientState {
		stateCopy[k] = v
	}
	return s.filter, stateCopy, s.lastActivity
}

// SetFilter replaces the session's delivery filter.
func (s *Session) SetFilter(f Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Hub owns the set of active sessions.
type Hub struct {
	logger logging.Logger
	lookup ConfigLookup

	nextID uint64

	mu       sync.RWMutex
	sessions map[uint64]*Session
}

// New constructs a Hub. lookup may be nil if no client registry is
// wired yet (ConfigPush-on-connect is then skipped).
func New(logger logging.Logger, lookup ConfigLookup) *Hub {
	return &Hub{
		logger:   logger,
		lookup:   lookup,
		sessions: make(map[uint64]*Session),
	}
}

// ServeWS upgrades an HTTP request to a push-channel session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("failed to upgrade subscriber connection")
		return
	}

	id := atomic.AddUint64(&h.nextID, 1)
	remote := remoteAddress(r)

	session := &Session{
		id:            id,
		remoteAddress: remote,
		connectedAt:   time.Now(),
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, 256),
		logger:        h.logger,
		lastActivity:  time.Now(),
		filter:        DefaultFilter(),
		durableKey:    remote,
	}

	h.mu.Lock()
	h.sessions[id] = session
	h.mu.Unlock()

	h.logger.WithFields(logging.Fields{
		"session_id": id,
		"remote":     remote,
	}).Info("subscriber connected")

	h.sendConnected(session)
	h.pushConfigIfKnown(session)

	go session.writePump()
	go session.readPump()
}

func remoteAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Hub) sendConnected(s *Session) {
	env := Envelope{Type: TypeConnected, Timestamp: time.Now().UTC(), Data: map[string]interface{}{"sessionId": s.id}}
	s.enqueue(env)
}

func (h *Hub) pushConfigIfKnown(s *Session) {
	if h.lookup == nil {
		return
	}
	cfg, found := h.lookup.Get(s.durableKey)
	if !found || clientconfig.IsEmpty(cfg) {
		h.lookup.TouchLastSeen(s.durableKey)
		return
	}
	h.lookup.TouchLastSeen(s.durableKey)
	s.enqueue(Envelope{Type: TypeConfigPush, Timestamp: time.Now().UTC(), Data: clientconfig.ToPushData(cfg)})
}

// PushConfig looks up every session whose durable key equals key and
// sends each a fresh ConfigPush reflecting cfg. Returns the count of
// sessions notified.
func (h *Hub) PushConfig(key string, cfg clientconfig.Config) int {
	env := Envelope{Type: TypeConfigPush, Timestamp: time.Now().UTC(), Data: clientconfig.ToPushData(cfg)}
	notified := 0
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if s.DurableKey() != key {
			continue
		}
		s.enqueue(env)
		notified++
	}
	return notified
}

// Broadcast delivers env to every session whose filter admits it.
func (h *Hub) Broadcast(env Envelope) {
	raceID, hasRaceID := resultsRaceID(env)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if !h.admits(s, env, raceID, hasRaceID) {
			continue
		}
		s.enqueue(env)
	}
}

func (h *Hub) admits(s *Session, env Envelope, raceID string, hasRaceID bool) bool {
	if alwaysSent[env.Type] {
		return true
	}

	filter, _, _ := s.Snapshot()

	switch env.Type {
	case TypeOnCourse:
		return filter.ShowOnCourse
	case TypeResults:
		if !filter.ShowResults {
			return false
		}
		if filter.RaceFilter == nil || !hasRaceID {
			return true
		}
		_, ok := filter.RaceFilter[raceID]
		return ok
	default:
		return true
	}
}

// resultsRaceID extracts raceId from a Results envelope's data, if
// present, to support SubscriberFilter.raceFilter evaluation. Accepts
// the concrete types the aggregator actually broadcasts (a
// *xmlmodel.Results or xmlmodel.Results) plus a map fallback for
// callers that build envelopes by hand (e.g. tests).
func resultsRaceID(env Envelope) (string, bool) {
	if env.Type != TypeResults {
		return "", false
	}
	switch v := env.Data.(type) {
	case *xmlmodel.Results:
		if v == nil {
			return "", false
		}
		return v.RaceID, v.RaceID != ""
	case xmlmodel.Results:
		return v.RaceID, v.RaceID != ""
	case map[string]interface{}:
		raw, ok := v["raceId"]
		if !ok {
			return "", false
		}
		s, ok := raw.(string)
		return s, ok
	default:
		return "", false
	}
}

// BroadcastXmlChange emits an XmlChange envelope to every session.
func (h *Hub) BroadcastXmlChange(sections []string, checksum string) {
	h.Broadcast(Envelope{
		Type:      TypeXmlChange,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"sections": sections, "checksum": checksum},
	})
}

// ForceRefreshKey emits a ForceRefresh envelope to every session whose
// durable key equals key. Returns the count of sessions notified.
func (h *Hub) ForceRefreshKey(key, reason string) int {
	env := Envelope{
		Type:      TypeForceRefresh,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"reason": reason},
	}
	notified := 0
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if s.DurableKey() != key {
			continue
		}
		s.enqueue(env)
		notified++
	}
	return notified
}

// BroadcastForceRefresh emits a ForceRefresh envelope to every session.
func (h *Hub) BroadcastForceRefresh(reason string) {
	h.Broadcast(Envelope{
		Type:      TypeForceRefresh,
		Timestamp: time.Now().UTC(),
		Data:      map[string]interface{}{"reason": reason},
	})
}

// BroadcastLogEntry fans a ring-buffer log entry out to every session;
// sessions are not distinguished as admin or scoreboard subscribers.
func (h *Hub) BroadcastLogEntry(entry interface{}) {
	h.Broadcast(Envelope{Type: TypeLogEntry, Timestamp: time.Now().UTC(), Data: entry})
}

// Stats summarizes active sessions for the control plane.
type Stats struct {
	Count    int
	Sessions []SessionStats
}

// SessionStats is one session's status row.
type SessionStats struct {
	ID            uint64
	RemoteAddress string
	ConnectedAt   time.Time
	LastActivity  time.Time
	DurableKey    string
}

// Stats returns a snapshot of every active session.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := Stats{Count: len(h.sessions)}
	for _, s := range h.sessions {
		_, _, lastActivity := s.Snapshot()
		out.Sessions = append(out.Sessions, SessionStats{
			ID:            s.id,
			RemoteAddress: s.remoteAddress,
			ConnectedAt:   s.connectedAt,
			LastActivity:  lastActivity,
			DurableKey:    s.durableKey,
		})
	}
	return out
}

// ConfigureSession applies a filter to one session,
// identified by its sessionId. Returns false if no such session exists.
func (h *Hub) ConfigureSession(sessionID uint64, f Filter) bool {
	h.mu.RLock()
	s, ok := h.sessions[sessionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	s.SetFilter(f)
	return true
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	h.mu.Unlock()

	if ok {
		s.closeOnce.Do(func() { close(s.send) })
		h.logger.WithFields(logging.Fields{
			"session_id": s.id,
			"count":      len(h.sessions),
		}).Info("subscriber disconnected")
	}
}

// enqueue marshals env and delivers it to the session's outbound
// buffer, dropping the session on a full buffer per the best-effort,
// at-most-once delivery guarantee.
func (s *Session) enqueue(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal envelope")
		return
	}
	select {
	case s.send <- payload:
	default:
		// Callers may hold h.mu for reading; unregister needs the write
		// lock, so it runs once they release it.
		go s.hub.unregister(s)
	}
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

func (s *Session) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Debug("subscriber connection error")
			}
			return
		}
		s.touch()
		s.handleInbound(message)
	}
}

// inboundMessage is the only recognized shape from a subscriber.
type inboundMessage struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func (s *Session) handleInbound(raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if !strings.EqualFold(msg.Type, "ClientState") {
		return
	}
	s.mu.Lock()
	s.clientState = msg.Data
	s.mu.Unlock()
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
