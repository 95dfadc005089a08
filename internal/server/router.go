package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/mt5prov/internal/auth"
	"github.com/loykin/mt5prov/internal/metrics"
	"github.com/loykin/mt5prov/internal/pipeline"
	"github.com/loykin/mt5prov/internal/process"
)

// StatusSource reports the live provisioning status.
type StatusSource interface {
	Snapshot() pipeline.Snapshot
}

// ProcessLister reports the supervised background processes.
type ProcessLister interface {
	Processes() []process.Status
}

// Trigger requests a graceful shutdown.
type Trigger interface {
	Trigger(reason string)
}

// Router exposes read-only status of a provisioning run plus a shutdown hook.
// Endpoints:
//
//	GET  {basePath}/healthz
//	GET  {basePath}/status
//	GET  {basePath}/processes      query: name=... (optional filter)
//	GET  {basePath}/metrics
//	POST {basePath}/shutdown
//
// basePath may be empty or start with '/'; no trailing slash.
// With a secret set, POST /shutdown requires a bearer token signed with it.
type Router struct {
	status   StatusSource
	procs    ProcessLister
	trigger  Trigger
	basePath string
	secret   []byte
}

type RouterOption func(*Router)

// WithShutdownSecret guards POST /shutdown with HS256 bearer tokens.
func WithShutdownSecret(secret string) RouterOption {
	return func(r *Router) {
		if secret != "" {
			r.secret = []byte(secret)
		}
	}
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(basePath string, status StatusSource, procs ProcessLister, trigger Trigger, opts ...RouterOption) *Router {
	r := &Router{status: status, procs: procs, trigger: trigger, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/status", r.handleStatus)
	group.GET("/processes", r.handleProcesses)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	group.POST("/shutdown", r.requireToken, r.handleShutdown)
	return g
}

// NewServer listens on addr and serves the router in the background, over TLS
// when tlsCfg is non-nil. Listen errors are returned immediately.
func NewServer(addr string, r *Router, tlsCfg *tls.Config, logger *slog.Logger) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	scheme := "http"
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
		scheme = "https"
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server stopped", "error", err)
		}
	}()
	logger.Info("Status server listening", "addr", server.Addr, "scheme", scheme)
	return server, nil
}

// Shutdown stops srv, waiting at most timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type healthResp struct {
	Status string         `json:"status"`
	Phase  pipeline.Phase `json:"phase"`
}

func (r *Router) handleHealthz(c *gin.Context) {
	snap := r.status.Snapshot()
	resp := healthResp{Status: "ok", Phase: snap.Phase}
	if snap.Phase == pipeline.PhaseStopping || snap.Phase == pipeline.PhaseFinished {
		resp.Status = "stopping"
		writeJSON(c, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.status.Snapshot())
}

func (r *Router) handleProcesses(c *gin.Context) {
	name := c.Query("name")
	if name != "" && !validProcessName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid process name"})
		return
	}
	all := r.procs.Processes()
	out := make([]process.Status, 0, len(all))
	for _, st := range all {
		if name == "" || st.Name == name {
			out = append(out, st)
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) requireToken(c *gin.Context) {
	if r.secret == nil {
		c.Next()
		return
	}
	claims, err := auth.Verify(r.secret, auth.BearerToken(c.GetHeader("Authorization")))
	if err != nil {
		writeJSON(c, http.StatusUnauthorized, errorResp{Error: "valid bearer token required"})
		c.Abort()
		return
	}
	c.Set("subject", claims.Subject)
	c.Next()
}

func (r *Router) handleShutdown(c *gin.Context) {
	reason := "shutdown requested via status API"
	if sub := c.GetString("subject"); sub != "" {
		reason += " by " + sub
	}
	r.trigger.Trigger(reason)
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}
