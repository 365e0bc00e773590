// Package api exposes the control surface of the execution core: intent
// submission, live run management and backtests.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/connector"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/monitor"
	"execution-core/internal/runner"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/history"
)

// Server wires HTTP endpoints around the gateway and the run manager.
type Server struct {
	Router   *gin.Engine
	Cfg      *config.Config
	DB       *db.Database
	Bus      *events.Bus
	Gateway  *gateway.Gateway
	Registry *connector.Registry
	Runs     *runner.Manager
	History  *history.Downloader
	Metrics  *monitor.ExecutionMetrics
}

func NewServer(cfg *config.Config, database *db.Database, bus *events.Bus, gw *gateway.Gateway,
	registry *connector.Registry, runs *runner.Manager, hist *history.Downloader,
	metrics *monitor.ExecutionMetrics) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(60 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:   r,
		Cfg:      cfg,
		DB:       database,
		Bus:      bus,
		Gateway:  gw,
		Registry: registry,
		Runs:     runs,
		History:  hist,
		Metrics:  metrics,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/token", s.issueToken)
		api.GET("/metrics", s.getMetrics)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Cfg.JWTSecret))
		{
			protected.POST("/intents", s.submitIntent)

			protected.POST("/runs", s.startRun)
			protected.GET("/runs", s.listRuns)
			protected.GET("/runs/:id", s.getRun)
			protected.POST("/runs/:id/stop", s.stopRun)
			protected.GET("/runs/:id/intents", s.listRunIntents)
			protected.GET("/runs/:id/orders", s.listRunOrders)
			protected.GET("/runs/:id/positions", s.listRunPositions)

			protected.POST("/backtests", s.runBacktest)
			protected.GET("/backtests/:id", s.getBacktest)
			protected.GET("/backtests/:id/trades", s.listBacktestTrades)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
