package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/respawn/internal/history"
	"github.com/loykin/respawn/internal/metrics"
	"github.com/loykin/respawn/internal/supervisor"
)

// Controller is the part of the supervisor exposed over HTTP.
type Controller interface {
	Status() supervisor.Status
	Restart(reason string) error
	Buffer() string
}

// Router provides embeddable HTTP handlers for inspecting and driving the
// supervisor.
// Endpoints:
//
//	GET  {basePath}/status    supervisor status
//	GET  {basePath}/crash     last recognized crash, 404 when none
//	GET  {basePath}/buffer    unmatched diagnostic text
//	POST {basePath}/restart   query: reason=... (optional)
//	GET  {basePath}/history   query: limit=N (only with a history reader)
//	GET  {basePath}/metrics   prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	history  history.Reader
	basePath string
}

// NewRouter constructs a Router. hist may be nil.
func NewRouter(ctl Controller, hist history.Reader, basePath string) *Router {
	return &Router{ctl: ctl, history: hist, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/crash", r.handleCrash)
	group.GET("/buffer", r.handleBuffer)
	group.POST("/restart", r.handleRestart)
	group.GET("/history", r.handleHistory)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down with http.Server.Shutdown or Close.
func NewServer(addr, basePath string, ctl Controller, hist history.Reader) *http.Server {
	r := NewRouter(ctl, hist, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type bufferResp struct {
	Bytes int    `json:"bytes"`
	Text  string `json:"text"`
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.ctl.Status())
}

func (r *Router) handleCrash(c *gin.Context) {
	st := r.ctl.Status()
	if st.LastCrash == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no crash recorded"})
		return
	}
	writeJSON(c, http.StatusOK, st.LastCrash)
}

func (r *Router) handleBuffer(c *gin.Context) {
	text := r.ctl.Buffer()
	writeJSON(c, http.StatusOK, bufferResp{Bytes: len(text), Text: text})
}

func (r *Router) handleRestart(c *gin.Context) {
	if err := r.ctl.Restart(c.Query("reason")); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, supervisor.ErrShuttingDown) {
			code = http.StatusConflict
		}
		writeJSON(c, code, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history is not enabled"})
		return
	}
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), history.DefaultSendTimeout)
	defer cancel()
	events, err := r.history.Recent(ctx, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
