// Package gateway wires every ingestion source, the event-state
// aggregator, the subscriber hub, the client registry and the control
// plane into one running process.
package gateway

import (
	"context"
	"fmt"
	"time"

	"racecaster/internal/changedetect"
	"racecaster/internal/clientconfig"
	"racecaster/internal/configlocator"
	"racecaster/internal/control"
	"racecaster/internal/eventstate"
	"racecaster/internal/filewatch"
	"racecaster/internal/hub"
	"racecaster/internal/logging"
	"racecaster/internal/middleware"
	"racecaster/internal/monitoring"
	"racecaster/internal/publisher"
	"racecaster/internal/registry"
	"racecaster/internal/server"
	"racecaster/internal/tcpsource"
	"racecaster/internal/udpsource"
	"racecaster/internal/version"
	"racecaster/internal/xmldb"
	"racecaster/internal/xmlmodel"
	"racecaster/internal/xmlsource"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Config bundles every startup knob spec.md §6 names plus the
// supplemented ambient/domain settings this implementation adds.
type Config struct {
	Port          int
	TCPHost       string
	TCPPort       int
	UDPPort       int
	AutoDiscovery bool

	XMLPath           string
	SettingsRoot      string
	SettingsPrefix    string
	ConfigLocatorMode configlocator.Mode
	PollInterval      time.Duration
	WatchMode         filewatch.Mode
	DebounceInterval  time.Duration

	RegistryPath    string
	RingLogCapacity int

	PublisherEnabled bool
	PublisherURL     string
}

// Gateway owns every subsystem's lifetime.
type Gateway struct {
	logger logging.Logger
	cfg    Config

	health  *monitoring.HealthChecker
	metrics *monitoring.Metrics
	ringLog *monitoring.RingLog

	locator    *configlocator.Locator
	watcher    *filewatch.Watcher
	xmlSrc     *xmlsource.Source
	tcp        *tcpsource.Source
	udp        *udpsource.Source
	db         *xmldb.Database
	detector   *changedetect.Detector
	aggregator *eventstate.Aggregator

	registry   *registry.Store
	hub        *hub.Hub
	forwarder  *publisher.Forwarder
	controller *control.Controller

	router    *gin.Engine
	startedAt time.Time
}

// registryConfigLookup adapts registry.Store to hub.ConfigLookup.
type registryConfigLookup struct{ store *registry.Store }

func (l registryConfigLookup) Get(key string) (clientconfig.Config, bool) { return l.store.Get(key) }
func (l registryConfigLookup) TouchLastSeen(key string)                   { l.store.TouchLastSeen(key) }

// New constructs every subsystem but starts nothing.
func New(cfg Config, logger logging.Logger) (*Gateway, error) {
	startedAt := time.Now()

	g := &Gateway{
		logger:    logger,
		cfg:       cfg,
		startedAt: startedAt,
	}

	g.health = monitoring.NewHealthChecker(startedAt)
	g.metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	g.ringLog = monitoring.NewRingLog(cfg.RingLogCapacity)
	logger.AddHook(&monitoring.Hook{Ring: g.ringLog})

	reg, err := registry.Open(cfg.RegistryPath, logging.NewWithComponent("registry"))
	if err != nil {
		return nil, fmt.Errorf("gateway: open registry: %w", err)
	}
	g.registry = reg

	g.hub = hub.New(logging.NewWithComponent("hub"), registryConfigLookup{store: reg})
	reg.SetBroadcaster(g.hub)
	g.ringLog.OnAppend(func(e monitoring.LogEntry) { g.hub.BroadcastLogEntry(e) })

	g.locator = configlocator.New(cfg.SettingsRoot, cfg.SettingsPrefix, cfg.ConfigLocatorMode, cfg.XMLPath, logging.NewWithComponent("configlocator"))

	xmlPath := cfg.XMLPath
	if xmlPath == "" {
		if result := g.locator.Locate(); result.Found {
			xmlPath = result.Resolved
		}
	}
	if xmlPath == "" {
		logger.Warn("gateway: no XML source path resolved at startup; xmldb/xmlsource/changedetect stay idle until one is configured")
	} else {
		g.watcher = filewatch.New(xmlPath, cfg.WatchMode, cfg.PollInterval, cfg.DebounceInterval, logging.NewWithComponent("filewatch"))
		g.xmlSrc = xmlsource.New(xmlPath, g.watcher, logging.NewWithComponent("xmlsource"))
		g.db = xmldb.New(xmlPath, func(hit bool) {
			label := "miss"
			if hit {
				label = "hit"
			}
			g.metrics.ProjectionCache.WithLabelValues(label).Inc()
		})
		g.detector = changedetect.New()
	}

	g.tcp = tcpsource.New(cfg.TCPHost, cfg.TCPPort, logging.NewWithComponent("tcpsource"), 0)
	if cfg.AutoDiscovery {
		g.udp = udpsource.New(cfg.UDPPort, logging.NewWithComponent("udpsource"))
	}

	g.aggregator = eventstate.New(logging.NewWithComponent("eventstate"))

	if cfg.PublisherEnabled {
		httpPub := publisher.NewHTTPPublisher(cfg.PublisherURL, nil)
		g.forwarder = publisher.NewForwarder(httpPub, logging.NewWithComponent("publisher"))
	}

	g.health.AddCheck("registry", func() monitoring.CheckResult {
		return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: fmt.Sprintf("%d clients", len(reg.Enumerate()))}
	})
	g.health.AddCheck("tcp_source", func() monitoring.CheckResult {
		st := g.tcp.State()
		status := monitoring.StatusDegraded
		if st == tcpsource.StateConnected {
			status = monitoring.StatusHealthy
		}
		return monitoring.CheckResult{Status: status, Message: string(st)}
	})

	g.controller = control.New(control.Config{
		Logger:     logging.NewWithComponent("control"),
		StartedAt:  startedAt,
		Info:       version.GetInfo("racecaster"),
		Port:       cfg.Port,
		TCP:        g.tcp,
		UDP:        g.udp,
		XmlSource:  g.xmlSrc,
		Aggregator: g.aggregator,
		DB:         g.db,
		Hub:        g.hub,
		Registry:   reg,
		Locator:    g.locator,
		Health:     g.health,
		RingLog:    g.ringLog,
	})

	g.router = server.NewRouter()
	g.router.Use(middleware.RequestID(), middleware.Logging(logger), middleware.Recovery(logger), middleware.CORS())
	g.controller.RegisterRoutes(g.router)

	return g, nil
}

// Run starts every subsystem and blocks until ctx is cancelled, the
// process receives SIGINT/SIGTERM, or the control plane's listener
// fails to bind. The control plane stops first; every other subsystem
// is then stopped together by cancelling the shared context.
func (g *Gateway) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.aggregator.Run(runCtx)
	go g.tcp.Run(runCtx)
	if g.udp != nil {
		go g.udp.Run(runCtx)
	}
	if g.watcher != nil {
		go g.watcher.Run(runCtx)
	}
	if g.xmlSrc != nil {
		go g.xmlSrc.Run(runCtx)
	}
	if g.locator != nil {
		go g.drainLocator(runCtx, g.locator.Monitor(runCtx, g.cfg.PollInterval))
	}

	go g.drainDecodedFrames(runCtx, g.tcp.Messages(), "tcp")
	if g.udp != nil {
		go g.drainUDPFrames(runCtx, g.udp.Messages())
	}
	if g.xmlSrc != nil {
		go g.drainXMLSourceFrames(runCtx, g.xmlSrc.Messages())
	}

	go g.drainSnapshots(runCtx, g.aggregator.Subscribe())
	if g.forwarder != nil {
		go g.forwarder.Run(runCtx, g.aggregator.Subscribe())
	}

	addr := fmt.Sprintf(":%d", g.cfg.Port)
	err := server.Run(runCtx, server.DefaultConfig(addr), g.router, g.logger)

	g.logger.Info("gateway: shutting down subsystems")
	cancel()

	return err
}

func (g *Gateway) drainDecodedFrames(ctx context.Context, frames <-chan []byte, source string) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			g.submitFrame(ctx, frame, source)
		}
	}
}

func (g *Gateway) drainUDPFrames(ctx context.Context, frames <-chan udpsource.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-frames:
			if !ok {
				return
			}
			g.submitFrame(ctx, msg.Frame, "udp")
		}
	}
}

func (g *Gateway) drainXMLSourceFrames(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			g.submitFrame(ctx, frame, "xmlfile")
			if g.detector != nil {
				if change, changed := g.detector.Detect(frame); changed {
					g.hub.BroadcastXmlChange(change.Sections, change.Checksum)
				}
			}
		}
	}
}

func (g *Gateway) submitFrame(ctx context.Context, frame []byte, source string) {
	records, errs := xmlmodel.Decode(frame)
	for _, err := range errs {
		g.logger.WithError(err).WithField("source", source).Warn("gateway: frame decode error")
	}
	for _, rec := range records {
		g.aggregator.Submit(ctx, rec)
	}
}

func (g *Gateway) drainSnapshots(ctx context.Context, changes <-chan eventstate.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-changes:
			if !ok {
				return
			}
			g.broadcastSnapshot(snap)
		}
	}
}

func (g *Gateway) broadcastSnapshot(snap eventstate.Snapshot) {
	now := time.Now()
	if snap.TimeOfDay != nil {
		g.hub.Broadcast(hub.Envelope{Type: hub.TypeTimeOfDay, Timestamp: now, Data: *snap.TimeOfDay})
	}
	if snap.OnCourse != nil {
		g.hub.Broadcast(hub.Envelope{Type: hub.TypeOnCourse, Timestamp: now, Data: snap.OnCourse})
	}
	if snap.Results != nil {
		g.hub.Broadcast(hub.Envelope{Type: hub.TypeResults, Timestamp: now, Data: snap.Results})
	}
	if snap.RaceConfig != nil {
		g.hub.Broadcast(hub.Envelope{Type: hub.TypeRaceConfig, Timestamp: now, Data: snap.RaceConfig})
	}
	if snap.Schedule != nil {
		g.hub.Broadcast(hub.Envelope{Type: hub.TypeSchedule, Timestamp: now, Data: snap.Schedule})
	}
}

func (g *Gateway) drainLocator(ctx context.Context, results <-chan configlocator.Result) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-results:
			if !ok {
				return
			}
			if !result.Found {
				g.logger.Warn("gateway: configlocator lost the active XML file")
				continue
			}
			if g.xmlSrc == nil {
				g.logger.WithField("path", result.Resolved).Warn("gateway: configlocator resolved a path but no XML pipeline is running; restart to pick it up")
				continue
			}
			g.logger.WithField("path", result.Resolved).Debug("gateway: configlocator resolved path")
		}
	}
}
