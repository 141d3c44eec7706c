// Package control implements the HTTP control plane: status, source
// and subscriber introspection, client registry CRUD, XML database
// projections, ConfigLocator mode selection, and log retrieval.
package control

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"racecaster/internal/clientconfig"
	"racecaster/internal/configlocator"
	"racecaster/internal/eventstate"
	"racecaster/internal/hub"
	"racecaster/internal/logging"
	"racecaster/internal/monitoring"
	"racecaster/internal/registry"
	"racecaster/internal/tcpsource"
	"racecaster/internal/udpsource"
	"racecaster/internal/version"
	"racecaster/internal/xmldb"
	"racecaster/internal/xmlsource"

	"github.com/gin-gonic/gin"
)

// SourceStatus is one ingestion source's row in /api/status and /api/sources.
type SourceStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Controller wires every subsystem the REST surface fronts.
type Controller struct {
	logger    logging.Logger
	startedAt time.Time
	info      version.Info
	port      int

	tcp    *tcpsource.Source
	udp    *udpsource.Source
	xmlSrc *xmlsource.Source

	aggregator *eventstate.Aggregator
	db         *xmldb.Database
	h          *hub.Hub
	reg        *registry.Store
	locator    *configlocator.Locator
	health     *monitoring.HealthChecker
	ringLog    *monitoring.RingLog
}

// Config bundles the collaborators a Controller is constructed with.
// Any of db/h/reg/locator may be nil — the corresponding endpoints then
// report a 503 "missing collaborator" instead of panicking.
type Config struct {
	Logger     logging.Logger
	StartedAt  time.Time
	Info       version.Info
	Port       int
	TCP        *tcpsource.Source
	UDP        *udpsource.Source
	XmlSource  *xmlsource.Source
	Aggregator *eventstate.Aggregator
	DB         *xmldb.Database
	Hub        *hub.Hub
	Registry   *registry.Store
	Locator    *configlocator.Locator
	Health     *monitoring.HealthChecker
	RingLog    *monitoring.RingLog
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	return &Controller{
		logger:     cfg.Logger,
		startedAt:  cfg.StartedAt,
		info:       cfg.Info,
		port:       cfg.Port,
		tcp:        cfg.TCP,
		udp:        cfg.UDP,
		xmlSrc:     cfg.XmlSource,
		aggregator: cfg.Aggregator,
		db:         cfg.DB,
		h:          cfg.Hub,
		reg:        cfg.Registry,
		locator:    cfg.Locator,
		health:     cfg.Health,
		ringLog:    cfg.RingLog,
	}
}

// RegisterRoutes mounts every control-plane endpoint on router.
func (c *Controller) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", c.handleHealth)
	if c.h != nil {
		router.GET("/ws", func(ctx *gin.Context) { c.h.ServeWS(ctx.Writer, ctx.Request) })
	}

	api := router.Group("/api")
	api.GET("/discover", c.handleDiscover)
	api.GET("/status", c.handleStatus)
	api.GET("/sources", c.handleSources)
	api.GET("/scoreboards", c.handleScoreboards)
	api.POST("/scoreboards/:id/config", c.handleScoreboardConfig)

	api.GET("/clients", c.handleClientsList)
	api.GET("/clients/:key", c.handleClientGet)
	api.PUT("/clients/:key", c.handleClientUpsert)
	api.DELETE("/clients/:key", c.handleClientDelete)
	api.PUT("/clients/:key/config", c.handleClientUpsert)
	api.PUT("/clients/:key/label", c.handleClientLabel)
	api.POST("/clients/:key/refresh", c.handleClientRefresh)

	api.POST("/broadcast/refresh", c.handleBroadcastRefresh)

	api.GET("/xml/status", c.handleXmlStatus)
	api.GET("/xml/schedule", c.handleXmlSchedule)
	api.GET("/xml/participants", c.handleXmlParticipants)
	api.GET("/xml/races", c.handleXmlRaces)
	api.GET("/xml/races/:id", c.handleXmlRaceDetail)
	api.GET("/xml/races/:id/startlist", c.handleXmlStartlist)
	api.GET("/xml/races/:id/results", c.handleXmlResults)
	api.GET("/xml/races/:id/results/:run", c.handleXmlResultsRun)

	api.GET("/config/xml", c.handleConfigXmlGet)
	api.POST("/config/xml", c.handleConfigXmlPost)
	api.POST("/config/xml/detect", c.handleConfigXmlDetect)

	api.GET("/event", c.handleEventGet)
	api.POST("/event", c.handleEventPost)

	api.GET("/logs", c.handleLogs)
}

func (c *Controller) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleDiscover must stay fast: no blocking I/O beyond the registry's
// in-memory lookup.
func (c *Controller) handleDiscover(ctx *gin.Context) {
	eventName := ""
	if c.reg != nil {
		if name, ok := c.reg.EventNameOverride(); ok {
			eventName = name
		}
	}
	ctx.JSON(http.StatusOK, gin.H{
		"service":   c.info.Service,
		"version":   c.info.Version,
		"port":      c.port,
		"eventName": eventName,
	})
}

func (c *Controller) sourceStatuses() []SourceStatus {
	var out []SourceStatus
	if c.tcp != nil {
		out = append(out, SourceStatus{Name: "tcp", Status: string(c.tcp.State())})
	}
	if c.udp != nil {
		status := "listening"
		if c.udp.DiscoveredHost() != "" {
			status = "discovered"
		}
		out = append(out, SourceStatus{Name: "udp", Status: status})
	}
	if c.xmlSrc != nil {
		out = append(out, SourceStatus{Name: "xml", Status: "connected"})
	}
	return out
}

func (c *Controller) handleStatus(ctx *gin.Context) {
	resp := gin.H{
		"uptime":  time.Since(c.startedAt).String(),
		"sources": c.sourceStatuses(),
	}

	if c.h != nil {
		stats := c.h.Stats()
		resp["subscriberCount"] = stats.Count
		resp["subscribers"] = stats.Sessions
	}

	if c.aggregator != nil {
		snap := c.aggregator.Snapshot()
		resp["event"] = gin.H{
			"currentRaceId": snap.CurrentRaceID,
			"timeOfDay":     snap.TimeOfDay,
			"version":       snap.Version,
			"onCourseCount": len(snap.OnCourse),
		}
	}

	if c.health != nil {
		resp["health"] = c.health.CheckHealth()
	}

	ctx.JSON(http.StatusOK, resp)
}

func (c *Controller) handleSources(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"sources": c.sourceStatuses()})
}

func (c *Controller) handleScoreboards(ctx *gin.Context) {
	if c.h == nil {
		missingCollaborator(ctx, "subscriber hub")
		return
	}
	ctx.JSON(http.StatusOK, c.h.Stats())
}

type scoreboardConfigRequest struct {
	RaceFilter   *[]string `json:"raceFilter"`
	ShowOnCourse *bool     `json:"showOnCourse"`
	ShowResults  *bool     `json:"showResults"`
}

func (c *Controller) handleScoreboardConfig(ctx *gin.Context) {
	if c.h == nil {
		missingCollaborator(ctx, "subscriber hub")
		return
	}

	sessionID, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		badRequest(ctx, "invalid scoreboard id")
		return
	}

	var req scoreboardConfigRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body")
		return
	}

	filter := hub.DefaultFilter()
	if req.ShowOnCourse != nil {
		filter.ShowOnCourse = *req.ShowOnCourse
	}
	if req.ShowResults != nil {
		filter.ShowResults = *req.ShowResults
	}
	if req.RaceFilter != nil {
		set := make(map[string]struct{}, len(*req.RaceFilter))
		for _, id := range *req.RaceFilter {
			set[id] = struct{}{}
		}
		filter.RaceFilter = set
	}

	if !c.h.ConfigureSession(sessionID, filter) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "scoreboard session not found"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (c *Controller) handleClientsList(ctx *gin.Context) {
	if c.reg == nil {
		missingCollaborator(ctx, "client registry")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"clients": c.reg.Enumerate()})
}

func (c *Controller) handleClientGet(ctx *gin.Context) {
	if c.reg == nil {
		missingCollaborator(ctx, "client registry")
		return
	}
	cfg, ok := c.reg.Get(ctx.Param("key"))
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "client not found"})
		return
	}
	ctx.JSON(http.StatusOK, cfg)
}

func (c *Controller) handleClientUpsert(ctx *gin.Context) {
	if c.reg == nil {
		missingCollaborator(ctx, "client registry")
		return
	}

	var patch clientconfig.Patch
	if err := ctx.ShouldBindJSON(&patch); err != nil {
		badRequest(ctx, "invalid request body")
		return
	}

	if raw, ok := patch["displayRows"]; ok && string(raw) != "null" {
		var rows int
		if err := json.Unmarshal(raw, &rows); err != nil {
			badRequest(ctx, "displayRows must be a number")
			return
		}
		if rows < 3 || rows > 20 {
			badRequest(ctx, "displayRows must be between 3 and 20")
			return
		}
	}
	if raw, ok := patch["raceFilter"]; ok && string(raw) != "null" {
		var arr []string
		if err := json.Unmarshal(raw, &arr); err != nil {
			badRequest(ctx, "raceFilter must be an array of strings")
			return
		}
	}

	cfg, _, err := c.reg.Upsert(ctx.Param("key"), patch)
	if err != nil {
		badRequest(ctx, err.Error())
		return
	}
	ctx.JSON(http.StatusOK, cfg)
}

func (c *Controller) handleClientLabel(ctx *gin.Context) {
	if c.reg == nil {
		missingCollaborator(ctx, "client registry")
		return
	}
	var req struct {
		Label string `json:"label"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body")
		return
	}
	if err := c.reg.SetLabel(ctx.Param("key"), req.Label); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (c *Controller) handleClientDelete(ctx *gin.Context) {
	if c.reg == nil {
		missingCollaborator(ctx, "client registry")
		return
	}
	if err := c.reg.Delete(ctx.Param("key")); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (c *Controller) handleClientRefresh(ctx *gin.Context) {
	if c.h == nil {
		missingCollaborator(ctx, "subscriber hub")
		return
	}
	notified := c.h.ForceRefreshKey(ctx.Param("key"), "client refresh requested")
	ctx.JSON(http.StatusOK, gin.H{"notified": notified})
}

func (c *Controller) handleBroadcastRefresh(ctx *gin.Context) {
	if c.h == nil {
		missingCollaborator(ctx, "subscriber hub")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = ctx.ShouldBindJSON(&req)
	c.h.BroadcastForceRefresh(req.Reason)
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (c *Controller) handleXmlStatus(ctx *gin.Context) {
	if c.db == nil {
		missingCollaborator(ctx, "xml database")
		return
	}
	mainTitle, competitionCode, available := c.db.Status()
	ctx.JSON(http.StatusOK, gin.H{
		"mainTitle":       mainTitle,
		"competitionCode": competitionCode,
		"available":       available,
	})
}

func (c *Controller) handleXmlSchedule(ctx *gin.Context) {
	if c.db == nil {
		missingCollaborator(ctx, "xml database")
		return
	}
	schedule, err := c.db.Schedule()
	if err != nil {
		internalError(ctx, c.logger, err, "failed to load schedule")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"schedule": schedule})
}

func (c *Controller) handleXmlParticipants(ctx *gin.Context) {
	if c.db == nil {
		missingCollaborator(ctx, "xml database")
		return
	}
	participants, err := c.db.Participants()
	if err != nil {
		internalError(ctx, c.logger, err, "failed to load participants")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"participants": participants})
}

func (c *Controller) handleXmlRaces(ctx *gin.Context) {
	if c.db == nil {
		missingCollaborator(ctx, "xml database")
		return
	}
	races, err := c.db.Races()
	if err != nil {
		internalError(ctx, c.logger, err, "failed to load races")
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"races": races})
}

func (c *Controller) handleXmlRaceDetail(ctx *gin.Context) {
	if c.db == nil {
		missingCollaborator(ctx, "xml database")
		return
	}
	detail, err := c.db.RaceDetail(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "race not found"})
		return
	}
	ctx.JSON(http.StatusOK, detail)
}

func (c *Controller) handleXmlStartlist(ctx *gin.Context) {
	if c.db == nil {
		missingCollaborator(ctx, "xml database")
		return
	}
	startlist, err := c.db.Startlist(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "race not found"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"startlist": startlist})
}

func (c *Controller) handleXmlResults(ctx *gin.Context) {
	if c.db == nil {
		missingCollaborator(ctx, "xml database")
		return
	}

	if ctx.Query("merged") == "true" {
		detail, err := c.db.RaceDetail(ctx.Param("id"))
		if err != nil {
			ctx.JSON(http.StatusNotFound, gin.H{"error": "race not found"})
			return
		}
		merged, err := c.db.MergedResults(detail.ClassID)
		if err != nil {
			internalError(ctx, c.logger, err, "failed to compute merged results")
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"results": merged})
		return
	}

	results, err := c.db.ResultsWithParticipants(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "race not found"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"results": results})
}

func (c *Controller) handleXmlResultsRun(ctx *gin.Context) {
	if c.db == nil {
		missingCollaborator(ctx, "xml database")
		return
	}
	run := ctx.Param("run")
	if run != "BR1" && run != "BR2" {
		badRequest(ctx, "run must be BR1 or BR2")
		return
	}
	raceID := ctx.Param("id") + "_" + run
	results, err := c.db.ResultsWithParticipants(raceID)
	if err != nil {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "race not found"})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"results": results})
}

func (c *Controller) handleConfigXmlGet(ctx *gin.Context) {
	if c.locator == nil {
		missingCollaborator(ctx, "config locator")
		return
	}
	result := c.locator.Locate()
	ctx.JSON(http.StatusOK, gin.H{
		"mode":    c.locator.Mode(),
		"offline": result.Offline,
		"main":    result.Main,
		"found":   result.Found,
	})
}

func validMode(mode configlocator.Mode) bool {
	switch mode {
	case configlocator.ModeAutoOffline, configlocator.ModeAutoMain, configlocator.ModeManual:
		return true
	default:
		return false
	}
}

func (c *Controller) handleConfigXmlPost(ctx *gin.Context) {
	if c.locator == nil {
		missingCollaborator(ctx, "config locator")
		return
	}
	var req struct {
		Mode       string `json:"mode"`
		ManualPath string `json:"manualPath"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body")
		return
	}
	mode := configlocator.Mode(req.Mode)
	if !validMode(mode) {
		badRequest(ctx, "mode must be one of auto-offline, auto-main, manual")
		return
	}
	if mode == configlocator.ModeManual && req.ManualPath == "" {
		badRequest(ctx, "manualPath is required when mode is manual")
		return
	}

	c.locator.SetMode(mode)
	if mode == configlocator.ModeManual {
		c.locator.SetManualPath(req.ManualPath)
	}
	if c.reg != nil {
		_ = c.reg.SetXmlSourceMode(req.Mode)
		if mode == configlocator.ModeManual {
			_ = c.reg.SetXmlPath(req.ManualPath)
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (c *Controller) handleConfigXmlDetect(ctx *gin.Context) {
	if c.locator == nil {
		missingCollaborator(ctx, "config locator")
		return
	}
	result := c.locator.Locate()
	ctx.JSON(http.StatusOK, result)
}

func (c *Controller) handleEventGet(ctx *gin.Context) {
	eventName := ""
	if c.reg != nil {
		if name, ok := c.reg.EventNameOverride(); ok {
			eventName = name
		}
	}
	if eventName == "" && c.db != nil {
		if mainTitle, _, available := c.db.Status(); available {
			eventName = mainTitle
		}
	}
	ctx.JSON(http.StatusOK, gin.H{"eventName": eventName})
}

func (c *Controller) handleEventPost(ctx *gin.Context) {
	if c.reg == nil {
		missingCollaborator(ctx, "client registry")
		return
	}
	var req struct {
		EventName string `json:"eventName"`
	}
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body")
		return
	}
	if err := c.reg.SetEventNameOverride(req.EventName); err != nil {
		badRequest(ctx, err.Error())
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ok": true})
}

func (c *Controller) handleLogs(ctx *gin.Context) {
	if c.ringLog == nil {
		missingCollaborator(ctx, "log buffer")
		return
	}

	var levels map[string]bool
	if raw := ctx.Query("levels"); raw != "" {
		levels = make(map[string]bool)
		for _, lv := range strings.Split(raw, ",") {
			levels[strings.TrimSpace(lv)] = true
		}
	}

	offset, _ := strconv.Atoi(ctx.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "100"))

	entries := c.ringLog.Page(levels, ctx.Query("q"), offset, limit)
	ctx.JSON(http.StatusOK, gin.H{"entries": entries})
}

func badRequest(ctx *gin.Context, reason string) {
	ctx.JSON(http.StatusBadRequest, gin.H{"error": reason})
}

func missingCollaborator(ctx *gin.Context, what string) {
	ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " is not available"})
}

func internalError(ctx *gin.Context, logger logging.Logger, err error, reason string) {
	if logger != nil {
		logger.WithError(err).Error(reason)
	}
	ctx.JSON(http.StatusInternalServerError, gin.H{"error": reason})
}
