// Licsync - License Store Synchronization Service
// Copyright 2026 Cobalt Grid Systems
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cobaltgrid/licsync

// Licsync synchronizes license records from the Provisio licensing API into
// the internal store and serves them over an operator HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cobaltgrid/licsync/internal/api"
	"github.com/cobaltgrid/licsync/internal/cache"
	"github.com/cobaltgrid/licsync/internal/config"
	"github.com/cobaltgrid/licsync/internal/database"
	"github.com/cobaltgrid/licsync/internal/events"
	"github.com/cobaltgrid/licsync/internal/logging"
	"github.com/cobaltgrid/licsync/internal/supervisor"
	"github.com/cobaltgrid/licsync/internal/supervisor/services"
	"github.com/cobaltgrid/licsync/internal/sync"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Licsync exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Msg("Starting Licsync")

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open license store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close license store")
		}
	}()

	readCache := cache.New(cfg.Cache.LicenseTTL)
	defer readCache.Close()

	client := sync.NewBreakerClient(&cfg.Provisio)
	gateway := sync.NewGateway(db, readCache, &cfg.Sync, &cfg.Cache)
	engine := sync.NewEngine(client, gateway, db, &cfg.Sync)

	var notifier sync.Notifier
	if cfg.NATS.Enabled {
		publisher, err := events.NewPublisher(&cfg.NATS)
		if err != nil {
			return fmt.Errorf("connect event publisher: %w", err)
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logging.Error().Err(err).Msg("Failed to close event publisher")
			}
		}()
		notifier = publisher
		gateway.SetAlertHook(publisher.EmitIntegrityAlert)
		logging.Info().Str("url", cfg.NATS.URL).Str("topic", cfg.NATS.Topic).Msg("Event publishing enabled")
	}

	scheduler, err := sync.NewScheduler(engine, notifier, cfg.Sync)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	handler := api.NewHandler(gateway, engine, scheduler, db)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           api.NewRouter(handler).Setup(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       120 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddSyncService(services.NewSchedulerService(scheduler))
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("addr", server.Addr).
		Bool("scheduler_enabled", cfg.Sync.Enabled).
		Msg("Supervisor tree starting")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor tree: %w", err)
	}

	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
		}
	}

	logging.Info().Msg("Licsync stopped")
	return nil
}
