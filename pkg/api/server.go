// Package api exposes the operational HTTP surface: health and Prometheus
// metrics. Attempts and tests are managed directly in the database; there is
// no mutation API.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/promptlab/comprev/pkg/database"
	"github.com/promptlab/comprev/pkg/queue"
)

// Server serves the operational endpoints.
type Server struct {
	dbClient *database.Client
	pool     *queue.TaskerPool

	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the ops routes. pool may be nil when the tasker is not
// running in this process.
func NewServer(dbClient *database.Client, pool *queue.TaskerPool, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		dbClient: dbClient,
		pool:     pool,
		logger:   slog.With("component", "api"),
	}

	engine := gin.New()
	engine.Use(requestLogger(s.logger), securityHeaders(), gin.Recovery())

	engine.GET("/api/v1/health", s.healthHandler)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.engine = engine
	return s
}

// Start listens on addr and blocks until Shutdown is called or the listener
// fails. Returns http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on an existing listener. Used by tests that need
// an OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.Serve(ln)
}

// Shutdown stops accepting new connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
