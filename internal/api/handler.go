package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-core/internal/connection"
	"trading-core/internal/events"
	"trading-core/internal/journal"
	"trading-core/internal/lifecycle"
	"trading-core/internal/monitor"
	"trading-core/internal/orchestrator"
)

// Server wires the HTTP control surface (spec.md §6) around the core's
// already-running components. It holds no business logic of its own —
// every handler delegates to Connections/Orchestrator/Lifecycle/Journal.
type Server struct {
	Router *gin.Engine
	Bus    *events.Bus

	Connections  *connection.Manager
	Orchestrator *orchestrator.Orchestrator
	Lifecycle    *lifecycle.Manager
	Journal      *journal.Journal
	Health       *monitor.HealthChecker
	Metrics      *monitor.SystemMetrics

	JWTSecret string
	BrokerID  string
	Version   string
}

// NewServer builds the HTTP control surface and registers its routes.
func NewServer(
	bus *events.Bus,
	connections *connection.Manager,
	orch *orchestrator.Orchestrator,
	lifecycleMgr *lifecycle.Manager,
	journalInst *journal.Journal,
	health *monitor.HealthChecker,
	metrics *monitor.SystemMetrics,
	jwtSecret, brokerID, version string,
) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())          // Panic recovery (first)
	r.Use(RequestIDMiddleware())   // Request ID tracking
	r.Use(RequestLogger(metrics))  // Request logging (after ID is set)
	r.Use(RateLimitMiddleware())   // Rate limiting
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request timeout (30s)
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:       r,
		Bus:          bus,
		Connections:  connections,
		Orchestrator: orch,
		Lifecycle:    lifecycleMgr,
		Journal:      journalInst,
		Health:       health,
		Metrics:      metrics,
		JWTSecret:    jwtSecret,
		BrokerID:     brokerID,
		Version:      version,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ready", s.ready)
	s.Router.GET("/ws", s.websocket)

	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	protected := s.Router.Group("")
	protected.Use(AuthMiddleware(s.JWTSecret))
	{
		protected.POST("/connect", s.connect)
		protected.POST("/disconnect", s.disconnect)

		protected.POST("/strategy/start", s.strategyStart)
		protected.POST("/strategy/stop", s.strategyStop)
		protected.GET("/strategy/status", s.strategyStatus)
		protected.GET("/strategy/analysis/:id", s.strategyAnalysis)
		protected.GET("/strategy/metrics/:id", s.strategyMetrics)

		protected.POST("/killswitch", s.killswitch)

		protected.GET("/trades/history", s.tradesHistory)
		protected.GET("/trades/stats", s.tradesStats)
		protected.DELETE("/trades/:id", s.deleteTrade)
	}
}

func (s *Server) health(c *gin.Context) {
	report := s.Health.Health()
	status := http.StatusOK
	if report.Status == monitor.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) ready(c *gin.Context) {
	report := s.Health.Ready()
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Start runs the HTTP server on addr; blocks until it exits or errors.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
