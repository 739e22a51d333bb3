package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/roomwatch/internal/archive"
	"github.com/loykin/roomwatch/internal/credential"
	"github.com/loykin/roomwatch/internal/fleet"
	"github.com/loykin/roomwatch/internal/metrics"
	"github.com/loykin/roomwatch/internal/store"
)

const (
	defaultSessionLimit = 50
	maxSessionLimit     = 500
)

// Status is the operator view of the fleet.
type Status struct {
	MonitoringEnabled bool                 `json:"monitoring_enabled"`
	Interval          string               `json:"interval"`
	Rooms             []fleet.RoomStatus   `json:"rooms"`
	Credentials       credential.Status    `json:"credentials"`
	AutoDisabled      []string             `json:"auto_disabled"`
	PendingOffline    map[string]time.Time `json:"pending_offline"`
}

// Backend is what the router drives.
type Backend interface {
	Status(ctx context.Context) Status
	StartRoom(ctx context.Context, roomID string) (fleet.Outcome, error)
	StopRoom(ctx context.Context, roomID string) error
	SetMonitoring(ctx context.Context, roomID string, enabled bool) error
	Consolidate(ctx context.Context) (archive.Report, error)
	ListSessions(ctx context.Context, roomID string, limit int) ([]store.Session, error)
}

// Router provides embeddable HTTP handlers for operating the fleet.
// Endpoints, relative to basePath:
//
//	GET  /status
//	POST /rooms/:id/start
//	POST /rooms/:id/stop
//	PUT  /rooms/:id/monitoring   body: {"enabled": bool}
//	POST /archive/consolidate
//	GET  /sessions?room=...&limit=...
//	GET  /metrics
type Router struct {
	b        Backend
	basePath string
}

func NewRouter(b Backend, basePath string) *Router {
	return &Router{b: b, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/rooms/:id/start", r.handleStart)
	group.POST("/rooms/:id/stop", r.handleStop)
	group.PUT("/rooms/:id/monitoring", r.handleMonitoring)
	group.POST("/archive/consolidate", r.handleConsolidate)
	group.GET("/sessions", r.handleSessions)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. A
// non-nil tlsCfg serves HTTPS.
func NewServer(addr, basePath string, b Backend, tlsCfg *tls.Config) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(b, basePath).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// stop waits for the archive hand-off
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsCfg,
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startResp struct {
	RoomID  string        `json:"room_id"`
	Outcome fleet.Outcome `json:"outcome"`
}

type monitoringReq struct {
	Enabled *bool `json:"enabled"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.b.Status(c.Request.Context()))
}

func (r *Router) roomID(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if !isSafeName(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid room id: allowed [A-Za-z0-9._-] and no '..'"})
		return "", false
	}
	return id, true
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := r.roomID(c)
	if !ok {
		return
	}
	out, err := r.b.StartRoom(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if out == fleet.OutcomeBusy {
		code = http.StatusConflict
	}
	writeJSON(c, code, startResp{RoomID: id, Outcome: out})
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := r.roomID(c)
	if !ok {
		return
	}
	if err := r.b.StopRoom(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleMonitoring(c *gin.Context) {
	id, ok := r.roomID(c)
	if !ok {
		return
	}
	var req monitoringReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Enabled == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "enabled required"})
		return
	}
	if err := r.b.SetMonitoring(c.Request.Context(), id, *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleConsolidate(c *gin.Context) {
	rep, err := r.b.Consolidate(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleSessions(c *gin.Context) {
	room := c.Query("room")
	if !isSafeName(room) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "room query param required"})
		return
	}
	limit := defaultSessionLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxSessionLimit)
	}
	sessions, err := r.b.ListSessions(c.Request.Context(), room, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	writeJSON(c, http.StatusOK, sessions)
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, fleet.ErrUnknownRoom), errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
