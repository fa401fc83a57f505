// Package api exposes the engine over HTTP, WebSocket and gRPC health.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trading-bot/internal/engine"
	"trading-bot/internal/events"
	"trading-bot/internal/monitor"
)

// Server wires HTTP endpoints around the engine service and event bus.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Metrics   *monitor.SystemMetrics
	JWTSecret string

	limiters *ipLimiters
}

// Options tunes the middleware stack.
type Options struct {
	RequestTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

func NewServer(svc engine.Service, bus *events.Bus, metrics *monitor.SystemMetrics, jwtSecret string, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		Router:    gin.New(),
		Engine:    svc,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		limiters:  newIPLimiters(opts.RatePerSecond, opts.RateBurst),
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(metrics))
	s.Router.Use(RateLimitMiddleware(s.limiters))
	s.Router.Use(TimeoutMiddleware(opts.RequestTimeout))
	s.Router.Use(CORSMiddleware())

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.Registry(), promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/positions", s.getPositions)
		api.GET("/risk", s.getRisk)
		api.GET("/leverage", s.getLeverage)
		api.GET("/approvals", s.getApprovals)
		api.GET("/decisions", s.getDecisions)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.POST("/engine/start", s.engineAction(s.Engine.StartEngine))
			protected.POST("/engine/pause", s.engineAction(s.Engine.PauseEngine))
			protected.POST("/engine/resume", s.engineAction(s.Engine.ResumeEngine))
			protected.POST("/engine/stop", s.engineAction(s.Engine.StopEngine))

			protected.POST("/kill-switch", s.activateKillSwitch)
			protected.DELETE("/kill-switch", s.engineAction(s.Engine.DeactivateKillSwitch))

			protected.POST("/approvals/:id/approve", s.approve)
			protected.POST("/approvals/:id/reject", s.reject)

			protected.POST("/strategy/:symbol/reselect", s.reselectStrategy)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	st := s.Engine.Status()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engine": st.Engine.State})
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler { return s.Router }

// SweepLimiters drops per-IP limiters idle past their window.
func (s *Server) SweepLimiters() int { return s.limiters.sweep() }
