package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/gridwarden/internal/auth"
	"github.com/loykin/gridwarden/internal/fleet"
	"github.com/loykin/gridwarden/internal/manager"
	"github.com/loykin/gridwarden/internal/metrics"
	"github.com/loykin/gridwarden/internal/scheduler"
	"github.com/loykin/gridwarden/internal/supervisor"
)

// Manager is the part of manager.Manager the HTTP API drives.
type Manager interface {
	Hosts() []fleet.Info
	SetIdle(host string, idle bool) error
	Status(ctx context.Context) []supervisor.Status
	Process(ctx context.Context, host string, role supervisor.Role) (manager.Detail, error)
	Resources(host string, role supervisor.Role) (metrics.Sample, bool)
	RequestStart(ctx context.Context, host string, role supervisor.Role) error
	RequestStop(ctx context.Context, host string, role supervisor.Role) error
	RequestRestart(ctx context.Context, host string, role supervisor.Role) error
	Reconcile(ctx context.Context) []scheduler.Result
	Version() string
	SetVersion(ctx context.Context, version string) ([]scheduler.Result, error)
}

// Router provides embeddable HTTP handlers for the grid.
// Endpoints, relative to basePath:
//
//	GET  /hosts
//	PUT  /hosts/:host/idle              body: {"idle": true}
//	GET  /processes
//	GET  /processes/:host/:role         status plus status log
//	GET  /processes/:host/:role/resources
//	POST /processes/:host/:role/start
//	POST /processes/:host/:role/stop
//	POST /processes/:host/:role/restart
//	POST /reconcile
//	GET  /version
//	PUT  /version                       body: {"version": "4.22.0"}
//	GET  /metrics                       when a metrics handler is set
type Router struct {
	mgr      Manager
	basePath string
	metrics  http.Handler
	auth     *auth.Service
	logger   *slog.Logger
}

// NewRouter constructs a Router. basePath may be empty or start with '/'.
func NewRouter(mgr Manager, basePath string) *Router {
	return &Router{mgr: mgr, basePath: sanitizeBase(basePath), logger: slog.Default()}
}

// WithMetrics mounts h at {basePath}/metrics.
func (r *Router) WithMetrics(h http.Handler) *Router {
	r.metrics = h
	return r
}

// WithAuth requires basic credentials on every endpoint.
func (r *Router) WithAuth(a *auth.Service) *Router {
	r.auth = a
	return r
}

// WithLogger sets the access logger.
func (r *Router) WithLogger(l *slog.Logger) *Router {
	if l != nil {
		r.logger = l
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog)
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.Use(r.auth.Gin())
	}
	group.GET("/hosts", r.handleHosts)
	group.PUT("/hosts/:host/idle", r.handleIdle)
	group.GET("/processes", r.handleProcesses)
	proc := group.Group("/processes/:host/:role", r.parseKey)
	proc.GET("", r.handleProcess)
	proc.GET("/resources", r.handleResources)
	proc.POST("/start", r.handleStart)
	proc.POST("/stop", r.handleStop)
	proc.POST("/restart", r.handleRestart)
	group.POST("/reconcile", r.handleReconcile)
	group.GET("/version", r.handleGetVersion)
	group.PUT("/version", r.handleSetVersion)
	if r.metrics != nil {
		group.GET("/metrics", gin.WrapH(r.metrics))
	}
	return g
}

// NewServer returns an http.Server for the router. The caller runs and
// shuts it down.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// version changes restart every process sequentially
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

func (r *Router) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	user := ""
	if u, ok := c.Get(auth.ContextUser); ok {
		user = u.(auth.User).Username
	}
	r.logger.Debug("http request",
		"method", c.Request.Method,
		"user", user,
		"path", c.Request.URL.Path,
		"status", c.Writer.Status(),
		"duration", time.Since(start))
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type idleReq struct {
	Idle *bool `json:"idle"`
}

type versionReq struct {
	Version string `json:"version"`
}

type versionResp struct {
	Version string             `json:"version"`
	Results []scheduler.Result `json:"results,omitempty"`
}

const (
	ctxHost = "gw.host"
	ctxRole = "gw.role"
)

func (r *Router) parseKey(c *gin.Context) {
	host := c.Param("host")
	if !isSafeName(host) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid host: allowed [A-Za-z0-9._-]"})
		c.Abort()
		return
	}
	role, ok := supervisor.ParseRole(c.Param("role"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid role: expected hub or node"})
		c.Abort()
		return
	}
	c.Set(ctxHost, host)
	c.Set(ctxRole, role)
	c.Next()
}

func key(c *gin.Context) (string, supervisor.Role) {
	return c.GetString(ctxHost), c.MustGet(ctxRole).(supervisor.Role)
}

func (r *Router) handleHosts(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Hosts())
}

func (r *Router) handleIdle(c *gin.Context) {
	var req idleReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Idle == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "body must be {\"idle\": bool}"})
		return
	}
	if err := r.mgr.SetIdle(c.Param("host"), *req.Idle); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProcesses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Status(c.Request.Context()))
}

func (r *Router) handleProcess(c *gin.Context) {
	host, role := key(c)
	d, err := r.mgr.Process(c.Request.Context(), host, role)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (r *Router) handleResources(c *gin.Context) {
	host, role := key(c)
	s, ok := r.mgr.Resources(host, role)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no resource sample for " + host + "/" + string(role)})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleStart(c *gin.Context) {
	r.run(c, r.mgr.RequestStart)
}

func (r *Router) handleStop(c *gin.Context) {
	r.run(c, r.mgr.RequestStop)
}

func (r *Router) handleRestart(c *gin.Context) {
	r.run(c, r.mgr.RequestRestart)
}

func (r *Router) run(c *gin.Context, op func(context.Context, string, supervisor.Role) error) {
	host, role := key(c)
	if err := op(opContext(c), host, role); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleReconcile(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Reconcile(opContext(c)))
}

func (r *Router) handleGetVersion(c *gin.Context) {
	writeJSON(c, http.StatusOK, versionResp{Version: r.mgr.Version()})
}

func (r *Router) handleSetVersion(c *gin.Context) {
	var req versionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := r.mgr.SetVersion(opContext(c), req.Version)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, versionResp{Version: r.mgr.Version(), Results: res})
}
