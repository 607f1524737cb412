package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mpesa-checkout/internal/config"
	"github.com/mpesa-checkout/internal/handlers"
	customMiddleware "github.com/mpesa-checkout/internal/middleware"
)

// Server wraps the HTTP server
type Server struct {
	router  *chi.Mux
	handler *handlers.Handler
	config  *config.Config
	http    *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, h *handlers.Handler) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		config:  cfg,
	}

	s.setupRoutes()

	s.http = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all routes and middleware
func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	// Forwarding headers are caller controlled; only honour them behind a
	// proxy that overwrites them, otherwise the IP allow-list is spoofable
	if s.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(customMiddleware.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(customMiddleware.Metrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.Timeout(s.config.RequestTimeout))

	r.Get("/", s.handler.Root)
	r.Get("/health", s.handler.HealthCheck)

	// Prometheus scrape endpoint, shared-secret protected when one is configured
	r.Group(func(r chi.Router) {
		if s.config.InternalSecret != "" {
			r.Use(customMiddleware.EnsureInternalAuth(s.config.InternalSecret))
		}
		r.Handle("/metrics", promhttp.Handler())
	})

	r.Route("/api/mpesa", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.RequestSizeLimit(s.config.MaxRequestSize))
			r.Post("/payment", s.handler.InitiatePayment)
		})

		r.Get("/payment-status/{checkoutRequestId}", s.handler.PaymentStatus)

		// Callback endpoint (IP filtered + size limited). Oversized bodies
		// fail the read and are acknowledged like any malformed callback.
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.IPFilter(s.config.SafaricomIPs))
			r.Use(customMiddleware.BodyLimit(s.config.MaxRequestSize))
			r.Post("/callback", s.handler.MPesaCallback)
		})
	})

	log.Debug().Msg("Routes configured successfully")
}

// Start starts the HTTP server and blocks until it stops. A clean Shutdown
// is not reported as an error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.http.Addr).Msg("Starting HTTP server")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server...")
	return s.http.Shutdown(ctx)
}
