package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kronk/taskengine/internal/api"
	apiMiddleware "github.com/kronk/taskengine/internal/api/middleware"
)

// setupRouter mounts the task API, the live connection endpoint, metrics
// and the health check.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	principal := apiMiddleware.NewPrincipalMiddleware(app.config.Server.PrincipalHeader)
	taskHandler := api.NewTaskHandler(app.engine, app.logger)
	wsHandler := api.NewWebSocketHandler(app.hub, api.WebSocketConfig{
		WriteTimeout: app.config.Notify.WriteTimeout,
		PingInterval: api.DefaultWebSocketConfig().PingInterval,
	}, app.logger)

	r.Group(func(r chi.Router) {
		r.Use(principal.Require)

		r.Route("/api/tasks", func(r chi.Router) {
			r.Post("/", taskHandler.EnqueueTask)
			r.Get("/{id}", taskHandler.GetTask)
			r.Delete("/{id}", taskHandler.CancelTask)
		})
		r.Get("/ws", wsHandler.Subscribe)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
