package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"multi-trader/internal/engine"
	"multi-trader/internal/events"
	"multi-trader/internal/monitor"
)

// Server wires the ops HTTP endpoints around the fleet engine.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	JWTSecret string
	Logger    *zap.Logger
}

func NewServer(eng engine.Service, bus *events.Bus, metrics *monitor.Metrics, jwtSecret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "api"))

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(logger))
	r.Use(RateLimitMiddleware(newIPLimiters(20, 50, 5*time.Minute), logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Engine:    eng,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		Logger:    logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.GET("/system/status", s.getSystemStatus)

		api.GET("/accounts", s.listAccounts)
		api.GET("/accounts/health", s.getAccountsHealth)
		api.GET("/accounts/:id/health", s.getAccountHealth)
		api.GET("/accounts/:id/lots", s.getOpenLots)
		api.GET("/accounts/:id/state/:scope", s.getAccountState)

		api.POST("/accounts/:id/reload", s.reloadAccount)
		api.POST("/accounts/:id/stop", s.stopAccount)
		api.POST("/accounts/:id/resume-buying", s.resumeBuying)
		api.POST("/accounts/:id/reset-breaker", s.resetBreaker)
		api.POST("/accounts/:id/approve-earnings", s.approveEarnings)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"active_traders": s.Engine.ActiveCount(),
	})
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
