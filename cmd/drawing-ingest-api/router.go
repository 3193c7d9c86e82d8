// Package main provides the API router setup.
package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spherical/drawing-ingest/cmd/drawing-ingest-api/handlers"
	"github.com/spherical/drawing-ingest/cmd/drawing-ingest-api/middleware"
	"github.com/spherical/drawing-ingest/internal/app"
)

const defaultRequestTimeout = 60 * time.Second

// NewRouter creates the main API router with all routes configured.
func NewRouter(a *app.App) http.Handler {
	logger := a.Logger

	timeout := a.Config.Server.WriteTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestContext)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	documentHandler := handlers.NewDocumentHandler(logger, a.Service, a.Config.Validation.MaxFileSize)
	sessionHandler := handlers.NewSessionHandler(logger, a.Service, a.Events)
	systemHandler := handlers.NewSystemHandler(logger, a.Service)

	r.Get("/health", systemHandler.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Websocket streams are long-lived and stay outside the request timeout.
		r.Get("/sessions/{sessionId}/events", sessionHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(timeout))

			r.Post("/sessions/{sessionId}/documents", documentHandler.Upload)
			r.Delete("/sessions/{sessionId}", sessionHandler.Cleanup)

			r.Get("/documents/{documentId}/status", documentHandler.Status)
			r.Get("/documents/{documentId}/images", documentHandler.Images)
			r.Get("/documents/{documentId}/images/{page}", documentHandler.Page)

			r.Get("/metrics", systemHandler.Metrics)
		})
	})

	return r
}
