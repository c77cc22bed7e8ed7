// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Command server runs the dhisync engine: the trigger scheduler, the
// sync pipelines, and the admin HTTP API, all under one supervision
// tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ssewanyana/dhisync/internal/api"
	"github.com/ssewanyana/dhisync/internal/config"
	"github.com/ssewanyana/dhisync/internal/dhis2"
	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/models"
	"github.com/ssewanyana/dhisync/internal/pipeline"
	"github.com/ssewanyana/dhisync/internal/reconcile"
	"github.com/ssewanyana/dhisync/internal/scheduler"
	"github.com/ssewanyana/dhisync/internal/source"
	"github.com/ssewanyana/dhisync/internal/store"
	"github.com/ssewanyana/dhisync/internal/supervisor"
	"github.com/ssewanyana/dhisync/internal/supervisor/services"
	"github.com/ssewanyana/dhisync/internal/writer"
)

// version is injected at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Startup failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Caller:    cfg.Logging.Caller,
		Timestamp: true,
	})
	logging.Info().
		Str("version", version).
		Str("destination", cfg.Destination.BaseURL).
		Str("timezone", cfg.Scheduler.Timezone).
		Msg("Dhisync starting")

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Closing job store failed")
		}
	}()

	dest := dhis2.NewBreakerClient(cfg.Destination)
	fetcher := source.NewFetcher()
	recon := reconcile.New(dest)
	wr := writer.New(dest, cfg.Destination.MaxInFlight)
	exporter := pipeline.NewAttributeExport(dest)

	runners := map[string]scheduler.Runner{
		models.JobTypeTrackedEntity:   pipeline.NewTracked(fetcher, dest, recon, wr),
		models.JobTypeAggregate:       pipeline.NewAggregate(fetcher, dest, wr, cfg.Destination.MaxInFlight),
		models.JobTypeAttributeExport: exporter,
	}

	tracker := scheduler.NewTracker()
	states, err := st.States()
	if err != nil {
		return fmt.Errorf("loading run states: %w", err)
	}
	tracker.Seed(states)
	tracker.SetPersist(func(jobName string, state models.RunState) {
		if err := st.PutState(jobName, state); err != nil {
			logging.Warn().Err(err).Str("job", jobName).Msg("Persisting run state failed")
		}
	})

	sched, err := scheduler.New(scheduler.Config{
		Timezone:         cfg.Scheduler.Timezone,
		ExecutionTimeout: time.Duration(cfg.Scheduler.ExecutionTimeout) * time.Minute,
	}, tracker, runners)
	if err != nil {
		return err
	}

	// Re-register persisted jobs. A definition the current build rejects
	// is skipped, not fatal; the rest of the schedule still runs.
	defs, err := st.List()
	if err != nil {
		return fmt.Errorf("loading job definitions: %w", err)
	}
	for _, def := range defs {
		if err := sched.Register(def); err != nil {
			logging.Error().Err(err).Str("job", def.Name).Msg("Stored job failed to register")
		}
	}
	logging.Info().Int("jobs", len(defs)).Msg("Schedule restored")

	handlers := api.NewHandlers(sched, st, dest, exporter, fetcher, version)
	router := api.NewRouter(handlers, api.RouterConfig{RateLimit: cfg.Server.RateLimit})
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	treeCfg := supervisor.DefaultTreeConfig()
	treeCfg.ShutdownTimeout = shutdownTimeout

	tree := supervisor.NewTree(logging.NewSlogLogger(), treeCfg)
	tree.AddEngineService(sched)
	tree.AddEngineService(store.NewGCService(st))
	tree.AddAPIService(services.NewHTTPServerService(server, shutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", server.Addr).Msg("Admin API listening")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", fmt.Sprint(svc.Service)).Msg("Service did not stop in time")
		}
	}
	logging.Info().Msg("Dhisync stopped")
	return nil
}
