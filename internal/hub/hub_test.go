package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"racecaster/internal/clientconfig"
	"racecaster/internal/logging"
	"racecaster/internal/xmlmodel"

	"github.com/gorilla/websocket"
)

type fakeLookup struct {
	configs map[string]clientconfig.Config
	touched []string
}

func (f *fakeLookup) Get(key string) (clientconfig.Config, bool) {
	cfg, ok := f.configs[key]
	return cfg, ok
}

func (f *fakeLookup) TouchLastSeen(key string) {
	f.touched = append(f.touched, key)
}

func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	srv := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, timeout time.Duration) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func TestNewSessionAlwaysReceivesConnected(t *testing.T) {
	h := New(logging.New(), nil)
	srv, url := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	env := readEnvelope(t, conn, time.Second)
	if env.Type != TypeConnected {
		t.Fatalf("first envelope type = %q, want Connected", env.Type)
	}
}

func TestShowOnCourseFalseSuppressesOnCourseButNotTimeOfDay(t *testing.T) {
	h := New(logging.New(), nil)
	srv, url := newTestServer(t, h)
	defer srv.Close()

	connA := dial(t, url)
	defer connA.Close()
	readEnvelope(t, connA, time.Second) // Connected

	waitForSessionCount(t, h, 1)
	var sessionID uint64
	for _, s := range h.Stats().Sessions {
		sessionID = s.ID
	}
	if !h.ConfigureSession(sessionID, Filter{ShowOnCourse: false, ShowResults: true}) {
		t.Fatal("expected session to exist")
	}

	connB := dial(t, url)
	defer connB.Close()
	readEnvelope(t, connB, time.Second) // Connected

	h.Broadcast(Envelope{Type: TypeOnCourse, Timestamp: time.Now(), Data: []interface{}{}})
	h.Broadcast(Envelope{Type: TypeTimeOfDay, Timestamp: time.Now(), Data: "10:30:00"})

	envA := readEnvelope(t, connA, time.Second)
	if envA.Type != TypeTimeOfDay {
		t.Fatalf("subscriber A got %q, want only TimeOfDay (OnCourse suppressed)", envA.Type)
	}

	first := readEnvelope(t, connB, time.Second)
	second := readEnvelope(t, connB, time.Second)
	if first.Type != TypeOnCourse || second.Type != TypeTimeOfDay {
		t.Fatalf("subscriber B got %q then %q, want OnCourse then TimeOfDay", first.Type, second.Type)
	}
}

func TestShowResultsFalseSuppressesResults(t *testing.T) {
	h := New(logging.New(), nil)
	srv, url := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()
	readEnvelope(t, conn, time.Second)

	waitForSessionCount(t, h, 1)
	var sessionID uint64
	for _, s := range h.Stats().Sessions {
		sessionID = s.ID
	}
	h.ConfigureSession(sessionID, Filter{ShowOnCourse: true, ShowResults: false})

	h.Broadcast(Envelope{Type: TypeResults, Timestamp: time.Now(), Data: &xmlmodel.Results{RaceID: "K1M_BR1"}})
	h.Broadcast(Envelope{Type: TypeTimeOfDay, Timestamp: time.Now(), Data: "10:30:01"})

	env := readEnvelope(t, conn, time.Second)
	if env.Type != TypeTimeOfDay {
		t.Fatalf("got %q, want only TimeOfDay (Results suppressed)", env.Type)
	}
}

func TestRaceFilterSuppressesResultsForOtherRaces(t *testing.T) {
	h := New(logging.New(), nil)
	srv, url := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()
	readEnvelope(t, conn, time.Second) // Connected

	waitForSessionCount(t, h, 1)
	var sessionID uint64
	for _, s := range h.Stats().Sessions {
		sessionID = s.ID
	}
	h.ConfigureSession(sessionID, Filter{
		ShowOnCourse: true,
		ShowResults:  true,
		RaceFilter:   map[string]struct{}{"K1M_BR1": {}},
	})

	// Broadcast via the same *xmlmodel.Results pointer type gateway's
	// broadcastSnapshot actually sends, not a hand-built map.
	h.Broadcast(Envelope{Type: TypeResults, Timestamp: time.Now(), Data: &xmlmodel.Results{RaceID: "K2M_BR1"}})
	h.Broadcast(Envelope{Type: TypeResults, Timestamp: time.Now(), Data: &xmlmodel.Results{RaceID: "K1M_BR1"}})
	h.Broadcast(Envelope{Type: TypeTimeOfDay, Timestamp: time.Now(), Data: "10:30:02"})

	first := readEnvelope(t, conn, time.Second)
	second := readEnvelope(t, conn, time.Second)
	if first.Type != TypeResults || second.Type != TypeTimeOfDay {
		t.Fatalf("got %q then %q, want Results (matching race) then TimeOfDay (K2M_BR1 suppressed)", first.Type, second.Type)
	}

	data, ok := first.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Results data is not a map after JSON round-trip: %T", first.Data)
	}
	if data["raceId"] != "K1M_BR1" {
		t.Fatalf("raceId = %v, want K1M_BR1", data["raceId"])
	}
}

func TestConfigPushOnConnectContainsOnlyNonNullKeys(t *testing.T) {
	layout := clientconfig.LayoutLedwall
	rows := 10
	lookup := &fakeLookup{configs: map[string]clientconfig.Config{
		"127.0.0.1": {LayoutType: &layout, DisplayRows: &rows},
	}}
	h := New(logging.New(), lookup)
	srv, url := newTestServer(t, h)
	defer srv.Close()

	conn := dial(t, url)
	defer conn.Close()

	readEnvelope(t, conn, time.Second) // Connected
	env := readEnvelope(t, conn, time.Second)
	if env.Type != TypeConfigPush {
		t.Fatalf("second envelope = %q, want ConfigPush", env.Type)
	}
	data, ok := env.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("ConfigPush data is not a map: %T", env.Data)
	}
	if len(data) != 2 {
		t.Fatalf("got %d keys, want exactly 2: %+v", len(data), data)
	}
}

func waitForSessionCount(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Stats().Count >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sessions", n)
}
