// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Package api provides the operator-facing HTTP surface using Chi routing.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the HTTP routes over the handler set.
type Router struct {
	handler *Handler
}

// NewRouter creates the route assembler.
func NewRouter(handler *Handler) *Router {
	return &Router{handler: handler}
}

// Setup wires all routes and middleware.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", router.handler.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", router.handler.SyncStatus)
			r.Get("/scheduler", router.handler.SchedulerStatus)
			r.Post("/run", router.handler.RunSync)
		})

		r.Get("/integrity", router.handler.Integrity)

		r.Route("/licenses", func(r chi.Router) {
			r.Get("/", router.handler.ListLicenses)
			r.Get("/stats", router.handler.LicenseStats)
			r.Get("/{id}", router.handler.GetLicense)
		})
	})

	return r
}
