package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netops/dispatcherd/internal/api/handlers"
	apiMiddleware "github.com/netops/dispatcherd/internal/api/middleware"
	"github.com/netops/dispatcherd/internal/api/websocket"
	"github.com/netops/dispatcherd/internal/config"
	"github.com/netops/dispatcherd/internal/dispatcher"
	"github.com/netops/dispatcherd/internal/events"
	"github.com/netops/dispatcherd/internal/order"
	"github.com/netops/dispatcherd/internal/orderdb"
)

// Server is the HTTP transport for the order dispatcher (SPEC_FULL.md
// §6.1), grounded in the teacher's api.Server shape.
type Server struct {
	router       *chi.Mux
	config       *config.Config
	orderHandler *handlers.OrderHandler
	adminHandler *handlers.AdminHandler
	wsHub        *websocket.Hub
	wsHandler    *websocket.Handler
	mirror       *events.RedisMirror
}

// NewServer creates a new HTTP server. incoming is the owning Daemon's
// order_incoming_event bus (SPEC_FULL.md §6): OrderHandler.Create fires
// orders onto it rather than calling disp.PlaceOrder directly, so the
// daemon's own BindDaemon wiring is the only path onto the dispatcher.
func NewServer(cfg *config.Config, disp *dispatcher.OrderDispatcher, db orderdb.OrderDatabase, mirror *events.RedisMirror, incoming *events.Bus[*order.Order]) *Server {
	wsHub := websocket.NewHub(mirror)

	s := &Server{
		router:       chi.NewRouter(),
		config:       cfg,
		orderHandler: handlers.NewOrderHandler(db, incoming),
		adminHandler: handlers.NewAdminHandler(disp),
		wsHub:        wsHub,
		wsHandler:    websocket.NewHandler(wsHub),
		mirror:       mirror,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(apiMiddleware.RequestLogger())

	// Recoverer
	s.router.Use(middleware.Recoverer)

	// Heartbeat endpoint for load balancers
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	// API v1 routes (SPEC_FULL.md §6.1)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))

		if s.config.Server.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Server.RateLimitRPS))
		}

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", s.orderHandler.Create)
			r.Get("/{orderID}", s.orderHandler.Get)
			r.Get("/{orderID}/tasks", s.orderHandler.ListTasks)
		})
	})

	// Admin routes, guarded by JWT/API-key auth per SPEC_FULL.md §6.1.
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(apiMiddleware.Auth(authConfigFrom(s.config.Auth)))

		r.Get("/health", s.adminHandler.HealthCheck)
		r.Get("/queues", s.adminHandler.GetQueues)
	})

	// WebSocket endpoint for the live order/task event stream.
	s.router.Get("/ws", s.wsHandler.ServeWS)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

func authConfigFrom(cfg config.AuthConfig) *apiMiddleware.AuthConfig {
	keys := make(map[string]bool, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		keys[k] = true
	}
	return &apiMiddleware.AuthConfig{
		Enabled:   cfg.Enabled,
		JWTSecret: cfg.JWTSecret,
		APIKeys:   keys,
	}
}

// Start starts the WebSocket hub
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Mirror returns the Redis event mirror backing the WebSocket hub.
func (s *Server) Mirror() *events.RedisMirror {
	return s.mirror
}
