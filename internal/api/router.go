// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssewanyana/dhisync/internal/middleware"
)

// RouterConfig tunes the router's middleware.
type RouterConfig struct {
	// RateLimit is requests per minute per IP. Zero disables limiting.
	RateLimit int

	// AllowedOrigins for CORS. Empty means allow all.
	AllowedOrigins []string
}

// NewRouter assembles the admin API router.
func NewRouter(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.Metrics)
	r.Use(chimw.Recoverer)

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
	}

	r.Route("/schedules", func(r chi.Router) {
		r.Post("/", h.CreateSchedule)
		r.Get("/", h.ListSchedules)
		r.Get("/{name}", h.GetSchedule)
		r.Put("/{name}", h.UpdateSchedule)
		r.Delete("/{name}", h.DeleteSchedule)
		r.Post("/{name}/run", h.RunSchedule)
	})

	r.Get("/info", h.Info)
	r.Post("/stop", h.StopSchedule)
	r.Post("/manual", h.Manual)
	r.Post("/proxy", h.Proxy)
	r.Get("/query", h.Query)
	r.Get("/attributes", h.Attributes)
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
