package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"airwave/internal/eventbus"
	"airwave/internal/notifier"
	"airwave/internal/station"
	"airwave/internal/stations"
	"airwave/internal/storage"
	logx "airwave/pkg/logx"
)

// Stations is the part of the station supervisor the API serves.
type Stations interface {
	Statuses() []stations.Status
	Status(name string) (stations.Status, bool)
	Control(name, cmd, value string) error
	Playlist() string
}

// History reads recent plays. storage.Store satisfies it.
type History interface {
	RecentPlays(ctx context.Context, station string, limit int) ([]storage.PlayRecord, error)
}

// Announcements lists recently delivered notifications.
type Announcements interface {
	Recent() []notifier.HistoryItem
}

// Deps are the API's collaborators. Only Stations is required.
type Deps struct {
	Stations      Stations
	History       History
	Announcements Announcements
	Bus      eventbus.Bus
	Metrics  http.Handler
	Started  time.Time
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func (s *Service) router(cfg Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(s.log))
	if len(cfg.AllowOrigins) > 0 {
		cc := cors.DefaultConfig()
		cc.AllowOrigins = cfg.AllowOrigins
		cc.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
		cc.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		r.Use(cors.New(cc))
	}
	auth := requireToken(cfg.Token)

	h := &handlers{deps: s.deps, log: s.log}
	r.GET("/health", h.health)
	r.GET("/stations", h.list)
	r.GET("/stations/:name", h.get)
	r.GET("/stations/:name/history", h.history)
	r.POST("/stations/:name/next", auth, h.next)
	r.POST("/stations/:name/relay", auth, h.relay)
	r.GET("/playlist.m3u", h.playlist)
	r.GET("/notifications", h.notifications)
	r.GET("/events", h.events)
	if cfg.Metrics && s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if cfg.Pprof {
		pp := r.Group("/debug/pprof", auth)
		pp.GET("/", gin.WrapF(hpprof.Index))
		pp.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		pp.GET("/profile", gin.WrapF(hpprof.Profile))
		pp.GET("/symbol", gin.WrapF(hpprof.Symbol))
		pp.POST("/symbol", gin.WrapF(hpprof.Symbol))
		pp.GET("/trace", gin.WrapF(hpprof.Trace))
		for _, name := range []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"} {
			pp.GET("/"+name, gin.WrapH(hpprof.Handler(name)))
		}
	}
	return r
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// requireToken accepts "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func requireToken(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		got := c.Query("token")
		if got == "" {
			const p = "Bearer "
			if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got != tok {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) health(c *gin.Context) {
	all := h.deps.Stations.Statuses()
	streaming := 0
	for _, st := range all {
		if st.Worker != nil && st.Worker.State == station.Streaming.String() {
			streaming++
		}
	}
	out := gin.H{
		"status":    "ok",
		"stations":  len(all),
		"streaming": streaming,
	}
	if !h.deps.Started.IsZero() {
		out["uptime"] = time.Since(h.deps.Started).Truncate(time.Second).String()
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Stations.Statuses())
}

func (h *handlers) get(c *gin.Context) {
	st, ok := h.deps.Stations.Status(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown station"})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) history(c *gin.Context) {
	name := c.Param("name")
	if _, ok := h.deps.Stations.Status(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown station"})
		return
	}
	if h.deps.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage disabled"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	plays, err := h.deps.History.RecentPlays(c.Request.Context(), name, limit)
	if err != nil {
		h.log.Warn("history read failed", logx.String("station", name), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
		return
	}
	if plays == nil {
		plays = []storage.PlayRecord{}
	}
	c.JSON(http.StatusOK, plays)
}

type controlBody struct {
	Value string `json:"value" form:"value"`
}

func (h *handlers) next(c *gin.Context) {
	h.control(c, "next", "1")
}

func (h *handlers) relay(c *gin.Context) {
	h.control(c, "relay", "")
}

func (h *handlers) control(c *gin.Context, cmd, def string) {
	var body controlBody
	if err := c.ShouldBind(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value := strings.TrimSpace(body.Value)
	if value == "" {
		value = def
	}
	if value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value required"})
		return
	}
	name := c.Param("name")
	if err := h.deps.Stations.Control(name, cmd, value); err != nil {
		c.JSON(controlStatus(err), gin.H{"error": err.Error()})
		return
	}
	h.log.Info("station control via http", logx.String("station", name), logx.String("cmd", cmd), logx.String("value", value))
	c.JSON(http.StatusOK, gin.H{"station": name, "command": cmd, "value": value})
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, stations.ErrUnknownStation):
		return http.StatusNotFound
	case errors.Is(err, stations.ErrControlDisabled):
		return http.StatusForbidden
	case errors.Is(err, station.ErrStopped):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (h *handlers) playlist(c *gin.Context) {
	c.Data(http.StatusOK, "audio/x-mpegurl", []byte(h.deps.Stations.Playlist()))
}

func (h *handlers) notifications(c *gin.Context) {
	if h.deps.Announcements == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "notifier disabled"})
		return
	}
	items := h.deps.Announcements.Recent()
	if items == nil {
		items = []notifier.HistoryItem{}
	}
	c.JSON(http.StatusOK, items)
}
