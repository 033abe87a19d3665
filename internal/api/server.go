// Package api exposes the driver core over a small JSON API. It lets an
// operator inspect drivers, test credentials, register integrations and
// run or retry automations without the web application in front.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/convertful/integrations/internal/automation"
	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/driver"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/logging"
	"github.com/convertful/integrations/internal/metrics"
	"github.com/convertful/integrations/internal/store"
)

// Deps are the collaborators the server routes to.
type Deps struct {
	Store    store.Store
	Registry *driver.Registry
	Runner   *automation.Runner
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	store       store.Store
	registry    *driver.Registry
	runner      *automation.Runner
	metrics     *metrics.Metrics
	logger      *logging.Logger
	rateLimiter *IPRateLimiter
	httpServer  *http.Server
	startedAt   time.Time
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	if deps.Logger == nil {
		deps.Logger = logging.NewLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics("convertful")
	}

	requestsPerMinute := apiCfg.RateLimit.RequestsPerMinute
	if requestsPerMinute <= 0 {
		requestsPerMinute = 600
	}
	burst := apiCfg.RateLimit.Burst
	if burst <= 0 {
		burst = 50
	}
	rateLimiter := newIPRateLimiter(time.Minute/time.Duration(requestsPerMinute), burst)

	server := &Server{
		router:      gin.New(),
		config:      cfg,
		apiConfig:   apiCfg,
		store:       deps.Store,
		registry:    deps.Registry,
		runner:      deps.Runner,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		rateLimiter: rateLimiter,
		startedAt:   time.Now(),
	}
	server.router.HandleMethodNotAllowed = true

	server.router.Use(gin.Recovery())
	server.router.Use(rateLimitMiddleware(rateLimiter))
	server.router.Use(bodyLimitMiddleware(1 << 20))
	server.router.Use(metrics.Middleware(deps.Metrics, deps.Logger))
	server.router.Use(loggingMiddleware(deps.Logger))

	server.setupRoutes()
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_seconds", time.Since(start).Seconds(),
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	s.router.GET("/health", s.handleHealth)

	var keys []string
	if s.apiConfig.Auth.Enabled {
		keys = s.apiConfig.Auth.APIKeys
	}
	authMiddleware := APIKeyAuth(keys, s.apiConfig.Auth.HeaderName, s.logger)

	basePath := s.apiConfig.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	v1 := s.router.Group(basePath)
	v1.Use(authMiddleware)
	{
		v1.GET("/drivers", s.handleListDrivers)
		v1.GET("/drivers/:name/fields", s.handleDriverFields)
		v1.POST("/drivers/:name/check", s.handleCheck)
		v1.GET("/drivers/:name/authorize", s.handleAuthorize)
		v1.GET("/oauth/:name/callback", s.handleOAuthCallback)

		v1.POST("/integrations", s.handleCreateIntegration)
		v1.GET("/integrations/:id", s.handleGetIntegration)
		v1.DELETE("/integrations/:id", s.handleDeleteIntegration)
		v1.GET("/integrations/:id/jobs", s.handleListJobs)
		v1.POST("/integrations/:id/automations/:automation", s.handleExecAutomation)
		v1.POST("/integrations/:id/retry", s.handleRetry)

		v1.GET("/owners/:owner/notifications", s.handleListNotifications)
	}
}

// Run starts the HTTP or HTTPS server based on TLS configuration
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.HTTPPort)

	if s.config.TLS.Enabled {
		srv, err := NewHTTPSServer(addr, s.config.TLS.CertFile, s.config.TLS.KeyFile, s.router)
		if err != nil {
			return &errors.ErrServerStart{Addr: addr, Err: err}
		}
		s.httpServer = srv
		s.logger.Info("starting HTTPS server", "addr", addr, "cert_file", s.config.TLS.CertFile)
		return s.httpServer.ListenAndServeTLS("", "")
	}

	if s.httpServer == nil {
		s.httpServer = NewHTTPServer(addr, s.router)
	}
	s.logger.Info("starting HTTP server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then stops the runner and closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	var errList []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err.Error())
			errList = append(errList, &errors.ErrServerShutdown{Err: err})
		}
	}
	if s.runner != nil {
		if err := s.runner.Stop(); err != nil {
			errList = append(errList, fmt.Errorf("runner stop: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errList = append(errList, fmt.Errorf("store close: %w", err))
		}
	}
	if len(errList) > 0 {
		return fmt.Errorf("shutdown errors: %v", errList)
	}

	s.logger.Info("graceful shutdown completed")
	return nil
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	runner := false
	if s.runner != nil {
		runner = s.runner.IsRunning()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"drivers":        len(s.registry.Names()),
		"runner":         runner,
	})
}
