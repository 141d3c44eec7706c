package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"racecaster/internal/configlocator"
	"racecaster/internal/filewatch"
	"racecaster/internal/hub"
	"racecaster/internal/logging"
	"racecaster/internal/xmlmodel"

	"github.com/gorilla/websocket"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Port:          0,
		TCPHost:       "127.0.0.1",
		TCPPort:       0,
		UDPPort:       0,
		AutoDiscovery: false,

		SettingsRoot:      t.TempDir(),
		SettingsPrefix:    "canoe123",
		ConfigLocatorMode: configlocator.ModeManual,
		PollInterval:      time.Second,
		WatchMode:         filewatch.ModePolling,
		DebounceInterval:  50 * time.Millisecond,

		RegistryPath:    filepath.Join(t.TempDir(), "settings.json"),
		RingLogCapacity: 100,
	}
}

func TestNewWiresEveryCollaboratorWithoutError(t *testing.T) {
	g, err := New(testConfig(t), logging.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.router == nil || g.controller == nil || g.hub == nil || g.registry == nil || g.aggregator == nil || g.tcp == nil {
		t.Fatalf("gateway missing a required collaborator: %+v", g)
	}
	if g.watcher != nil || g.xmlSrc != nil || g.db != nil {
		t.Fatalf("expected no XML pipeline when no path resolves, got watcher=%v xmlSrc=%v db=%v", g.watcher, g.xmlSrc, g.db)
	}
}

func TestNewRouterServesHealth(t *testing.T) {
	g, err := New(testConfig(t), logging.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
}

func TestNewWithXMLPathBuildsFullPipeline(t *testing.T) {
	xmlPath := filepath.Join(t.TempDir(), "canoe123.xml")
	cfg := testConfig(t)
	cfg.XMLPath = xmlPath

	g, err := New(cfg, logging.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.watcher == nil || g.xmlSrc == nil || g.db == nil || g.detector == nil {
		t.Fatalf("expected a full XML pipeline when XMLPath is set, got watcher=%v xmlSrc=%v db=%v detector=%v", g.watcher, g.xmlSrc, g.db, g.detector)
	}
}

func TestNewWithPublisherEnabledBuildsForwarder(t *testing.T) {
	cfg := testConfig(t)
	cfg.PublisherEnabled = true
	cfg.PublisherURL = "http://127.0.0.1:0"

	g, err := New(cfg, logging.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.forwarder == nil {
		t.Fatalf("expected forwarder to be constructed when PublisherEnabled is true")
	}
}

// TestResultsRaceFilterSuppressesOtherRacesEndToEnd drives a real Results
// record through the aggregator and broadcastSnapshot (the same path
// Run wires up), the way the running gateway actually produces
// envelopes, to catch regressions where Broadcast's race-id extraction
// stops matching the concrete type the aggregator emits.
func TestResultsRaceFilterSuppressesOtherRacesEndToEnd(t *testing.T) {
	g, err := New(testConfig(t), logging.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	srv := httptest.NewServer(g.router)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var connected hub.Envelope
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read Connected envelope: %v", err)
	}
	if connected.Type != hub.TypeConnected {
		t.Fatalf("first envelope = %q, want Connected", connected.Type)
	}

	var sessionID uint64
	for _, s := range g.hub.Stats().Sessions {
		sessionID = s.ID
	}
	if !g.hub.ConfigureSession(sessionID, hub.Filter{
		ShowOnCourse: true,
		ShowResults:  true,
		RaceFilter:   map[string]struct{}{"K1M_BR1": {}},
	}) {
		t.Fatal("expected session to exist")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Subscribe before Run starts so no snapshot is broadcast before
	// this test's channel is registered.
	sub := g.aggregator.Subscribe()
	go g.aggregator.Run(ctx)

	g.aggregator.Submit(ctx, xmlmodel.Results{RaceID: "K2M_BR1"})
	g.broadcastSnapshot(<-sub)

	g.aggregator.Submit(ctx, xmlmodel.Results{RaceID: "K1M_BR1"})
	g.broadcastSnapshot(<-sub)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var first hub.Envelope
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first envelope: %v", err)
	}
	if first.Type != hub.TypeResults {
		t.Fatalf("first envelope = %q, want Results (K2M_BR1 must be suppressed by raceFilter)", first.Type)
	}
	data, ok := first.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Results data is not a map after JSON round-trip: %T", first.Data)
	}
	if data["raceId"] != "K1M_BR1" {
		t.Fatalf("raceId = %v, want K1M_BR1 (the other race must have been suppressed, not just reordered)", data["raceId"])
	}
}
