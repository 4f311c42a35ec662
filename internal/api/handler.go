package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"papertrade/internal/events"
	"papertrade/internal/market"
	"papertrade/internal/monitor"
	"papertrade/internal/settlement"
	"papertrade/pkg/auth"
	"papertrade/pkg/db"
	"papertrade/pkg/logger"
)

// UserStore persists login credentials. *db.Database satisfies it.
type UserStore interface {
	CreateUser(ctx context.Context, u db.User) error
	GetUserByEmail(ctx context.Context, email string) (*db.User, error)
}

// Deps are the components the HTTP layer exposes.
type Deps struct {
	Settlement *settlement.Service
	Users      UserStore
	Catalog    *market.Catalog
	Oracle     market.PriceOracle
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Log        logger.Logger
	JWTSecret  string
	Meta       SystemMeta
}

// SystemMeta describes runtime status exposed to clients.
type SystemMeta struct {
	NodeID      string
	PriceSource string
	DBDriver    string
	Version     string
}

// Server wires HTTP endpoints around the settlement service.
type Server struct {
	Router     *gin.Engine
	Settlement *settlement.Service
	Users      UserStore
	Catalog    *market.Catalog
	Oracle     market.PriceOracle
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Log        logger.Logger
	Tokens     *auth.Tokens
	Meta       SystemMeta
	started    time.Time
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = logger.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = monitor.NewSystemMetrics()
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                  // Panic recovery (first)
	r.Use(RequestIDMiddleware())           // Request ID tracking
	r.Use(RequestLogger(d.Log, d.Metrics)) // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(newIPLimiter(20, 50), d.Log))
	r.Use(TimeoutMiddleware(30 * time.Second)) // Request deadline
	r.Use(CORSMiddleware())                    // CORS (last before routes)

	s := &Server{
		Router:     r,
		Settlement: d.Settlement,
		Users:      d.Users,
		Catalog:    d.Catalog,
		Oracle:     d.Oracle,
		Bus:        d.Bus,
		Metrics:    d.Metrics,
		Log:        d.Log,
		Tokens:     auth.NewTokens(d.JWTSecret, auth.DefaultTTL),
		Meta:       d.Meta,
		started:    time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/metrics", s.getMetrics)
		api.GET("/system/metrics/prom", s.getPromMetrics)
		api.GET("/instruments", s.listInstruments)
		api.GET("/prices/:instrument", s.getPrice)

		// Auth endpoints (no auth required)
		authGroup := api.Group("/auth")
		{
			authGroup.POST("/register", s.registerUser)
			authGroup.POST("/login", s.loginUser)
		}

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.Tokens))
		{
			protected.POST("/orders", s.createOrder)
			protected.POST("/positions/:id/close", s.closePosition)
			protected.GET("/positions", s.getPositions)
			protected.GET("/trades", s.getTrades)
			protected.GET("/account", s.getAccount)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"node_id":      s.Meta.NodeID,
		"price_source": s.Meta.PriceSource,
		"db_driver":    s.Meta.DBDriver,
		"version":      s.Meta.Version,
		"uptime":       time.Since(s.started).Round(time.Second).String(),
	})
}

// HTTPServer returns an http.Server for addr so callers control shutdown.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
