// Package api is the gateway's HTTP surface: ingest, interact, provider
// event push, timeline fetch, live streaming, the user-context endpoint,
// and the operational endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uniassist/gateway/pkg/config"
	"github.com/uniassist/gateway/pkg/database"
	"github.com/uniassist/gateway/pkg/ingest"
	"github.com/uniassist/gateway/pkg/metrics"
	"github.com/uniassist/gateway/pkg/store"
	"github.com/uniassist/gateway/pkg/stream"
)

// Server hosts the HTTP surface over the ingest pipeline and stream
// manager. db is nil in pure in-memory mode.
type Server struct {
	cfg      *config.Config
	pipeline *ingest.Pipeline
	stream   *stream.Manager
	store    store.Store
	db       *database.Client
	gate     *signatureGate
	metrics  *metrics.Metrics
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer builds the server and its routes.
func NewServer(cfg *config.Config, pipeline *ingest.Pipeline, streamMgr *stream.Manager, st store.Store, db *database.Client, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		pipeline: pipeline,
		stream:   streamMgr,
		store:    st,
		db:       db,
		gate:     newSignatureGate(cfg.AdapterSecret),
		metrics:  m,
		logger:   logger.With("component", "api"),
	}

	e := echo.New()
	e.Use(securityHeaders())

	promHandler := promhttp.Handler()

	e.GET("/health", s.healthHandler)
	e.GET("/metrics", func(c *echo.Context) error {
		promHandler.ServeHTTP(c.Response(), c.Request())
		return nil
	})
	e.GET("/.well-known/uniassist/manifest.json", s.manifestHandler)

	v0 := e.Group("/v0")
	v0.POST("/ingest", s.ingestHandler)
	v0.POST("/interact", s.interactHandler)
	v0.POST("/events", s.eventsHandler)
	v0.GET("/timeline", s.timelineHandler)
	v0.GET("/stream", s.streamHandler)
	v0.GET("/context/users/:profileRef", s.contextHandler)
	v0.GET("/metrics", s.metricsHandler)

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
