package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nimburion/findings-scheduler/pkg/health"
	"github.com/nimburion/findings-scheduler/pkg/observability/logger"
	"github.com/nimburion/findings-scheduler/pkg/version"
)

// ManagementConfig configures the management listener.
type ManagementConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	ServiceName     string
	// DisableCompression turns off br/gzip response encoding.
	DisableCompression bool
}

// ManagementServer serves the operational endpoints of the scheduler:
//   - /health: liveness, always 200 while the process runs
//   - /ready: aggregated dependency checks, 503 when any check is unhealthy
//   - /metrics: Prometheus exposition
//
// Responses are br or gzip encoded when the client accepts it.
//   - /version: build metadata
type ManagementServer struct {
	*Server
	engine         *gin.Engine
	healthRegistry *health.Registry
	gatherer       prometheus.Gatherer
	serviceName    string
}

// NewManagementServer builds the gin engine and registers the management endpoints.
// A nil gatherer serves the default Prometheus registry.
func NewManagementServer(cfg ManagementConfig, log logger.Logger, healthRegistry *health.Registry, gatherer prometheus.Gatherer) *ManagementServer {
	if log == nil {
		log = logger.NewNop()
	}
	if healthRegistry == nil {
		healthRegistry = health.NewRegistry()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(
		requestID(),
		requestLogging(log, "/health", "/ready", "/metrics"),
		recovery(log),
	)
	if !cfg.DisableCompression {
		engine.Use(compression())
	}

	s := &ManagementServer{
		Server: NewServer(Config{
			Port:            cfg.Port,
			ReadTimeout:     cfg.ReadTimeout,
			WriteTimeout:    cfg.WriteTimeout,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, engine, log),
		engine:         engine,
		healthRegistry: healthRegistry,
		gatherer:       gatherer,
		serviceName:    cfg.ServiceName,
	}
	s.registerEndpoints()
	return s
}

func (s *ManagementServer) registerEndpoints() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{DisableCompression: true})))
	s.engine.GET("/version", s.handleVersion)
}

// handleHealth is a liveness check. It does not check dependencies.
func (s *ManagementServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
}

// handleReady runs every registered check. Degraded results still answer 200.
func (s *ManagementServer) handleReady(c *gin.Context) {
	result := s.healthRegistry.Check(c.Request.Context())
	if result.Status == health.StatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *ManagementServer) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.Current(s.serviceName))
}

// Engine returns the gin engine for registering additional routes.
func (s *ManagementServer) Engine() *gin.Engine {
	return s.engine
}
