// Package daemon implements the Daemon Endpoint (component I): a
// loopback-only HTTP surface accepting POST /cli envelopes and routing them
// to the Router, with Prometheus metrics and graceful shutdown carried over
// from the teacher's gin/prometheus stack. It is a thin adapter — `batch`
// and `exec` are just argv[0] values the Router (component E) dispatches
// itself, the same as every other command.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mcpu/internal/pool"
	"mcpu/internal/router"
)

// cliRequest mirrors spec.md §6's POST /cli envelope.
type cliRequest struct {
	Argv   []string        `json:"argv"`
	Params json.RawMessage `json:"params,omitempty"`
	Cwd    string          `json:"cwd,omitempty"`
}

// Daemon holds the gin engine and the component graph it routes to.
type Daemon struct {
	engine *gin.Engine
	r      *router.Router
	p      *pool.Pool
	server *http.Server
}

// New wires a Daemon over an already-constructed Router/Pool. Every
// command, including `batch` and `exec`, is dispatched by the Router
// itself — the Daemon only ever "routes to E", per spec.md §2's
// description of component I.
func New(r *router.Router, p *pool.Pool) *Daemon {
	requestCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpu_daemon_requests_total",
			Help: "Total number of daemon requests received",
		},
		[]string{"method", "endpoint", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpu_daemon_request_duration_seconds",
			Help:    "Histogram of daemon request durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	registry := prometheus.NewRegistry()
	registry.MustRegister(requestCounter, requestDuration)

	d := &Daemon{engine: gin.New(), r: r, p: p}
	d.engine.Use(gin.Recovery())
	d.engine.Use(loopbackOnly())
	d.engine.Use(requestID())
	d.engine.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)
		status := fmt.Sprintf("%d", c.Writer.Status())
		requestCounter.WithLabelValues(c.Request.Method, c.FullPath(), status).Inc()
		requestDuration.WithLabelValues(c.Request.Method, c.FullPath()).Observe(duration.Seconds())
	})

	d.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	d.engine.POST("/cli", d.handleCLI)

	return d
}

// requestID stamps every request with a correlation id, echoed back on the
// response and available to downstream logging — one uuid per inbound
// request, the same role it plays across the pack's other repos.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

// loopbackOnly rejects any request whose remote address is not loopback,
// per spec.md §4.I's "rejects connections from non-loopback peers".
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "loopback connections only"})
			return
		}
		c.Next()
	}
}

// handleCLI is the Daemon's only business logic: bind the envelope, reject
// an empty argv, and hand everything else — including `batch` and `exec`
// — to the Router.
func (d *Daemon) handleCLI(c *gin.Context) {
	var req cliRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request: " + err.Error()})
		return
	}
	if len(req.Argv) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "argv must not be empty"})
		return
	}

	result := d.r.Run(c.Request.Context(), router.CoreExecutionOptions{
		Argv:   req.Argv,
		Params: req.Params,
		Cwd:    req.Cwd,
	})
	c.JSON(http.StatusOK, result)
}

// ListenAndServe starts the HTTP server bound to addr (typically
// "127.0.0.1:<port>") and blocks until ctx is cancelled, at which point it
// drains in-flight requests and closes every pool Connection before
// returning, per spec.md §4.I's graceful-shutdown requirement.
func (d *Daemon) ListenAndServe(ctx context.Context, addr string) error {
	d.server = &http.Server{
		Addr:         addr,
		Handler:      d.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return d.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight HTTP requests, then disconnects every known
// pool Connection.
func (d *Daemon) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var shutdownErr error
	if d.server != nil {
		shutdownErr = d.server.Shutdown(shutdownCtx)
	}

	for _, name := range d.p.Names() {
		_ = d.p.Disconnect(name)
	}

	return shutdownErr
}
