// Package api serves the ops surface of a chathub instance: health,
// Prometheus metrics and a read-mostly view of the coordination state.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"chathub/pkg/api/middleware"
	"chathub/pkg/connection"
	"chathub/pkg/election"
	"chathub/pkg/health"
	tracing "chathub/pkg/observability"
)

// Elector is the election surface the API reads and drives.
type Elector interface {
	IsLeader() bool
	State() election.State
	Candidate() string
	Leader(ctx context.Context) (string, error)
	Resign(ctx context.Context) error
	Restart()
}

// ConnectionView reports the connection manager's state.
type ConnectionView interface {
	Snapshot() connection.Snapshot
}

// BreakerView reports per-endpoint circuit states.
type BreakerView interface {
	BreakerStates() map[string]string
}

// HealthView reports endpoint probe results.
type HealthView interface {
	Snapshot() []health.EndpointHealth
	Healthy() bool
}

// SubscriptionView reports the live watch subscriptions.
type SubscriptionView interface {
	Paths() []string
	Len() int
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *zap.Logger

	connection    ConnectionView
	election      Elector
	breakers      BreakerView
	health        HealthView
	subscriptions SubscriptionView
}

// Config holds API server configuration.
type Config struct {
	Port          string
	ServiceName   string
	Logger        *zap.Logger
	Connection    ConnectionView
	Election      Elector
	Breakers      BreakerView
	Health        HealthView
	Subscriptions SubscriptionView
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "chathub"
	}

	router := gin.New()

	// Middleware stack (order matters)
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware(cfg.ServiceName))
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger(logger))

	s := &Server{
		router:        router,
		logger:        logger.With(zap.String("component", "api")),
		connection:    cfg.Connection,
		election:      cfg.Election,
		breakers:      cfg.Breakers,
		health:        cfg.Health,
		subscriptions: cfg.Subscriptions,
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		cluster := v1.Group("/cluster")
		{
			cluster.GET("/leader", s.getLeader)
			cluster.POST("/leader/resign", s.resign)
			cluster.POST("/leader/rejoin", s.rejoin)
			cluster.GET("/session", s.getSession)
			cluster.GET("/endpoints", s.listEndpoints)
			cluster.GET("/subscriptions", s.listSubscriptions)
		}
	}
}

// requestLogger logs every request through zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
			zap.String("trace_id", tracing.TraceID(c.Request.Context())),
			zap.String("span_id", tracing.SpanID(c.Request.Context())),
		)
	}
}

// healthCheck is healthy while the instance holds a connected session and
// at least one endpoint answers probes.
func (s *Server) healthCheck(c *gin.Context) {
	deps := map[string]bool{
		"session":   s.connection != nil && s.connection.Snapshot().Connected,
		"endpoints": s.health == nil || s.health.Healthy(),
	}

	healthy := true
	for _, ok := range deps {
		if !ok {
			healthy = false
			break
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	}
	if s.election != nil {
		body["leader"] = s.election.IsLeader()
	}
	c.JSON(httpStatus, body)
}
