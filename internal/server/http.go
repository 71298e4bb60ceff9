package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shopvoice/voice-relay/internal/audio"
	"github.com/shopvoice/voice-relay/internal/config"
	"github.com/shopvoice/voice-relay/internal/metrics"
	"github.com/shopvoice/voice-relay/internal/prediction"
	"github.com/shopvoice/voice-relay/internal/push"
	"github.com/shopvoice/voice-relay/internal/router"
	"github.com/shopvoice/voice-relay/internal/session"
	"github.com/shopvoice/voice-relay/internal/socket"
)

// Dispatcher is the piece of the prediction dispatcher the HTTP layer needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, job prediction.Job) prediction.State
}

type originalPathKey struct{}

// Server is the HTTP API server for the relay.
type Server struct {
	server  *http.Server
	engine  *gin.Engine
	logger  *slog.Logger
	config  *config.Config
	metrics *metrics.Metrics

	sessions   *session.Registry
	buffers    *audio.Manager
	streams    *push.Registry
	sockets    *socket.Registry
	results    *router.Router
	dispatcher Dispatcher
	predStats  func() prediction.ClientStats

	startTime time.Time
}

// NewServer wires the HTTP surface. predStats may be nil when the prediction
// client is not configured.
func NewServer(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics,
	sessions *session.Registry, buffers *audio.Manager, streams *push.Registry,
	sockets *socket.Registry, results *router.Router, dispatcher Dispatcher,
	predStats func() prediction.ClientStats) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:     engine,
		logger:     logger,
		config:     cfg,
		metrics:    m,
		sessions:   sessions,
		buffers:    buffers,
		streams:    streams,
		sockets:    sockets,
		results:    results,
		dispatcher: dispatcher,
		predStats:  predStats,
		startTime:  time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: push-streams are long-lived by design.
		IdleTimeout: 120 * time.Second,
	}

	return s
}

// setupRoutes configures HTTP API routes
func (s *Server) setupRoutes() {
	s.engine.Use(s.corsMiddleware())
	s.engine.Use(s.withMetrics())

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/socket", s.handleSocket)
	s.engine.GET("/", s.handleRoot)
	s.engine.POST("/", s.handleFragment)

	s.engine.NoRoute(s.handleNotFound)
}

// Handler returns the outer handler that strips reverse-proxy path prefixes
// before gin routing. The original path rides along on the context for
// 404 diagnostics.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		original := r.URL.Path
		normalized := s.normalizePath(original)
		if normalized != original {
			r = r.Clone(context.WithValue(r.Context(), originalPathKey{}, original))
			r.URL.Path = normalized
		}
		s.engine.ServeHTTP(w, r)
	})
}

// normalizePath strips the first matching configured proxy prefix.
func (s *Server) normalizePath(path string) string {
	for _, prefix := range s.config.Server.ProxyPrefixes {
		if path == prefix {
			return "/"
		}
		if strings.HasPrefix(path, prefix+"/") {
			return path[len(prefix):]
		}
	}
	return path
}

func originalPath(c *gin.Context) string {
	if v, ok := c.Request.Context().Value(originalPathKey{}).(string); ok {
		return v
	}
	return c.Request.URL.Path
}

// corsMiddleware sets CORS headers on every response and answers preflight
// requests with 204.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, X-Session-Id, X-Request-Id, X-Participant-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// withMetrics logs each request and records counters and latencies per
// endpoint.
func (s *Server) withMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		statusCode := c.Writer.Status()

		s.logger.Debug("HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", statusCode),
			slog.Duration("duration", time.Since(startTime)),
		)

		if s.metrics == nil {
			return
		}

		s.metrics.RecordHTTPRequest(c.Request.Method, endpoint,
			fmt.Sprintf("%d", statusCode), time.Since(startTime).Seconds())

		if statusCode >= 400 {
			errorType := "client_error"
			if statusCode >= 500 {
				errorType = "server_error"
			}
			s.metrics.RecordHTTPError(c.Request.Method, endpoint, errorType)
		}
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")

	return s.server.Shutdown(ctx)
}
