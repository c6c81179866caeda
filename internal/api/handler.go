package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradebot/internal/engine"
	"tradebot/internal/events"
)

// Server wires HTTP endpoints around the engine service and the event bus.
type Server struct {
	Router               *gin.Engine
	Engine               engine.Service
	Bus                  *events.Bus
	JWTSecret            string
	OperatorPasswordHash string
	Log                  *zap.Logger
}

// Options configures NewServer.
type Options struct {
	Engine               engine.Service
	Bus                  *events.Bus
	JWTSecret            string
	OperatorPasswordHash string // bcrypt hash; empty disables login
	RateLimit            float64
	RateBurst            int
	Log                  *zap.Logger
}

func NewServer(opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 50
	}
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(opts.Log))
	r.Use(NewIPRateLimiter(opts.RateLimit, opts.RateBurst).Middleware(opts.Log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:               r,
		Engine:               opts.Engine,
		Bus:                  opts.Bus,
		JWTSecret:            opts.JWTSecret,
		OperatorPasswordHash: opts.OperatorPasswordHash,
		Log:                  opts.Log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", AuthMiddleware(s.JWTSecret), s.websocket)

	api := s.Router.Group("/api/v1")
	// The stream endpoint stays open; everything else is bounded.
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/strategies", s.getStrategies)
			protected.POST("/strategies/reload", s.reloadStrategies)

			protected.GET("/positions", s.getPositions)
			protected.GET("/positions/:asset", s.getPosition)
			protected.GET("/pnl", s.getPnL)
			protected.GET("/realized", s.getRealized)

			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.POST("/orders/:id/cancel", s.cancelOrder)

			protected.GET("/halts", s.getHalts)
			protected.POST("/halts/:asset/ack", s.acknowledgeHalt)
			protected.GET("/account", s.getAccount)
			protected.GET("/risk/limits", s.getLimits)

			protected.GET("/kpis", s.getKPIs)
			protected.GET("/kpis/latest", s.getLatestKPIs)
			protected.GET("/balance", s.getBalance)
			protected.GET("/reconciliations", s.getReconciliations)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler exposes the router for an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
