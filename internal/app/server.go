package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/markdave123-py/docanchor/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/docanchor/internal/api/middlewares"
	"github.com/markdave123-py/docanchor/internal/config"
	"github.com/markdave123-py/docanchor/internal/core/events"
	"github.com/markdave123-py/docanchor/internal/core/guard"
	"github.com/markdave123-py/docanchor/internal/core/viewer"
	"github.com/markdave123-py/docanchor/internal/infra"
)

// Deps are the collaborators the routes are built from. DB may be nil.
type Deps struct {
	Log       *logrus.Logger
	DB        handlers.Pinger
	Guard     *guard.Guard
	Bus       *events.Bus
	Sessions  *viewer.Manager
	Documents handlers.DocumentStore
	Extractor handlers.ExtractionQueue
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *logrus.Entry
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, d Deps) *Server {
	log := infra.Component(d.Log, "http")
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           NewRouter(cfg, d),
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// NewRouter returns the API routes.
func NewRouter(cfg *config.Config, d Deps) http.Handler {
	viewerHandler := handlers.NewViewerHandler(d.Sessions, d.Documents, infra.Component(d.Log, "viewer-api"))
	docHandler := handlers.NewDocumentHandler(d.Documents, d.Extractor, infra.Component(d.Log, "documents-api"))
	eventsHandler := handlers.NewEventsHandler(d.Bus, infra.Component(d.Log, "events-api"))
	healthHandler := handlers.NewHealthHandler(d.DB, d.Guard)
	limiter := appMiddleware.NewRateLimiter(cfg.RateLimitEvery, cfg.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Render-Generation"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", healthHandler.Healthz)

	r.Route("/api", func(api chi.Router) {
		api.Get("/healthz", healthHandler.Healthz)

		// protected endpoints
		api.Group(func(protected chi.Router) {
			protected.Use(appMiddleware.JWT([]byte(cfg.JWTSecret)))
			protected.Use(limiter.Handler)

			// long-lived stream, no request timeout
			protected.Get("/events", eventsHandler.Stream)

			protected.Group(func(timed chi.Router) {
				timed.Use(middleware.Timeout(60 * time.Second))
				timed.Route("/viewer/sessions", viewerHandler.Routes)
				timed.Route("/documents", docHandler.Routes)
			})
		})
	})

	return r
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
