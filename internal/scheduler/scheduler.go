// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/metrics"
	"github.com/ssewanyana/dhisync/internal/models"
	"github.com/ssewanyana/dhisync/internal/period"
)

// Runner executes one pipeline fire for a job. Implementations classify
// their own failures; a returned error is logged and counted but never
// aborts the trigger.
type Runner interface {
	Run(ctx context.Context, job models.JobDefinition, window models.Window) error
}

// Config holds scheduler configuration.
type Config struct {
	// Timezone for evaluating cron expressions. Default: UTC.
	Timezone string

	// ExecutionTimeout bounds a single fire. Default: 30m.
	ExecutionTimeout time.Duration
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Timezone:         "UTC",
		ExecutionTimeout: 30 * time.Minute,
	}
}

// jobEntry is one registered trigger.
type jobEntry struct {
	def      models.JobDefinition
	cron     *CronExpression
	cancel   context.CancelFunc
	done     chan struct{}
	inFlight atomic.Bool
}

// Scheduler owns the recurring trigger for each job and guarantees at
// most one in-flight fire per job. Registration under an existing name
// replaces the old trigger; deletion cancels the trigger and removes both
// the definition and the run state.
type Scheduler struct {
	cfg     Config
	loc     *time.Location
	tracker *Tracker
	runners map[string]Runner
	logger  zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*jobEntry

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// New creates a scheduler dispatching to the given runners, keyed by job
// type.
func New(cfg Config, tracker *Tracker, runners map[string]Runner) (*Scheduler, error) {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 30 * time.Minute
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timezone %q: %v", models.ErrConfiguration, cfg.Timezone, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		loc:        loc,
		tracker:    tracker,
		runners:    runners,
		logger:     logging.With().Str("component", "scheduler").Logger(),
		jobs:       make(map[string]*jobEntry),
		rootCtx:    ctx,
		rootCancel: cancel,
	}, nil
}

// Tracker exposes the run-state tracker for the info endpoint.
func (s *Scheduler) Tracker() *Tracker {
	return s.tracker
}

// Register validates the definition, cancels any existing trigger under
// the same name and starts a new one, so re-creating a job with the same
// name is idempotent at the definition level. Paused definitions are
// stored without a live trigger.
func (s *Scheduler) Register(def models.JobDefinition) error {
	expr, err := period.CronExpression(def.Cadence, def.AdditionalDaysOffset)
	if err != nil {
		return err
	}
	if _, ok := s.runners[def.JobType]; !ok {
		return fmt.Errorf("%w: unknown job type %q", models.ErrConfiguration, def.JobType)
	}
	cron, err := ParseCron(expr)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrConfiguration, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[def.Name]; ok {
		s.stopEntryLocked(existing)
	}

	entry := &jobEntry{def: def, cron: cron}
	s.jobs[def.Name] = entry
	if !def.Paused {
		s.startTriggerLocked(entry)
	}

	s.logger.Info().
		Str("job", def.Name).
		Str("cadence", def.Cadence).
		Str("job_type", def.JobType).
		Str("cron", expr).
		Bool("paused", def.Paused).
		Msg("Job registered")
	return nil
}

// Deregister cancels the job's trigger and removes its definition and run
// state. An in-flight fire finishes naturally; its completion write
// no-ops because the job is gone.
func (s *Scheduler) Deregister(name string) error {
	s.mu.Lock()
	entry, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	s.stopEntryLocked(entry)
	delete(s.jobs, name)
	s.mu.Unlock()

	s.tracker.Delete(name)
	s.logger.Info().Str("job", name).Msg("Job deregistered")
	return nil
}

// Pause cancels the job's trigger but keeps its definition and run state
// so it can be resumed by re-registering.
func (s *Scheduler) Pause(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[name]
	if !ok {
		return models.ErrNotFound
	}
	s.stopEntryLocked(entry)
	entry.def.Paused = true
	s.jobs[name] = entry
	s.logger.Info().Str("job", name).Msg("Job paused")
	return nil
}

// Get returns the registered definition for name.
func (s *Scheduler) Get(name string) (models.JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.jobs[name]
	if !ok {
		return models.JobDefinition{}, models.ErrNotFound
	}
	return entry.def, nil
}

// List returns all registered definitions.
func (s *Scheduler) List() []models.JobDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobDefinition, 0, len(s.jobs))
	for _, entry := range s.jobs {
		out = append(out, entry.def)
	}
	return out
}

// startTriggerLocked launches the trigger goroutine for entry. Caller
// holds s.mu.
func (s *Scheduler) startTriggerLocked(entry *jobEntry) {
	ctx, cancel := context.WithCancel(s.rootCtx)
	entry.cancel = cancel
	entry.done = make(chan struct{})
	go s.runTrigger(ctx, entry)
}

// stopEntryLocked cancels entry's trigger and waits for its loop to exit.
// Caller holds s.mu.
func (s *Scheduler) stopEntryLocked(entry *jobEntry) {
	if entry.cancel == nil {
		return
	}
	entry.cancel()
	<-entry.done
	entry.cancel = nil
	entry.done = nil
}

// runTrigger is the per-job trigger loop: compute the next fire time,
// sleep until then, fire. A tick that arrives while the previous fire is
// still running is skipped, never run concurrently, because both fires
// would read and mutate the same run-state entry.
func (s *Scheduler) runTrigger(ctx context.Context, entry *jobEntry) {
	defer close(entry.done)
	name := entry.def.Name

	for {
		next := entry.cron.NextRun(time.Now(), s.loc)
		if next.IsZero() {
			s.logger.Error().Str("job", name).Msg("Cron expression yields no future fire time")
			return
		}
		s.tracker.RecordNextFire(name, next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !entry.inFlight.CompareAndSwap(false, true) {
			s.logger.Warn().Str("job", name).Msg("Previous fire still running, skipping tick")
			metrics.FiresSkipped.WithLabelValues(name).Inc()
			continue
		}
		go func(def models.JobDefinition) {
			defer entry.inFlight.Store(false)
			s.fire(def)
		}(entry.def)
	}
}

// fire executes one pipeline run for the job and unconditionally records
// completion, whether or not the pipeline partially failed. A partial
// failure must not cause unbounded catch-up; it is surfaced via logs and
// metrics instead. The completion write no-ops if the job was deleted
// while the fire was in flight.
func (s *Scheduler) fire(def models.JobDefinition) {
	start := time.Now()
	log := s.logger.With().Str("job", def.Name).Str("job_type", def.JobType).Logger()
	log.Info().Msg("Fire started")

	window := s.resolveWindow(def, start)

	runner := s.runners[def.JobType]
	ctx, cancel := context.WithTimeout(s.rootCtx, s.cfg.ExecutionTimeout)
	err := runner.Run(ctx, def, window)
	cancel()

	result := "success"
	if err != nil {
		result = "failure"
		log.Error().Err(err).Msg("Fire failed")
	}
	metrics.FiresTotal.WithLabelValues(def.Name, def.JobType, result).Inc()
	metrics.FireDuration.WithLabelValues(def.Name).Observe(time.Since(start).Seconds())

	s.mu.Lock()
	_, stillRegistered := s.jobs[def.Name]
	s.mu.Unlock()
	if !stillRegistered {
		log.Info().Msg("Job deleted during fire, skipping completion write")
		return
	}
	s.tracker.RecordCompletion(def.Name, time.Now())
	log.Info().Dur("duration", time.Since(start)).Str("result", result).Msg("Fire completed")
}

// ErrFireInFlight is returned by FireNow when the job already has a
// running fire.
var ErrFireInFlight = fmt.Errorf("fire already in flight")

// FireNow triggers one immediate fire outside the cron schedule. The
// single-fire guarantee still holds: a job with a running fire rejects
// the manual trigger instead of overlapping it.
func (s *Scheduler) FireNow(name string) error {
	s.mu.Lock()
	entry, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return models.ErrNotFound
	}

	if !entry.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: job %q", ErrFireInFlight, name)
	}
	go func(def models.JobDefinition) {
		defer entry.inFlight.Store(false)
		s.fire(def)
	}(entry.def)

	s.logger.Info().Str("job", name).Msg("Manual fire triggered")
	return nil
}

// resolveWindow extracts explicit window bounds from the mapping's period
// params and resolves the incremental window for this fire.
func (s *Scheduler) resolveWindow(def models.JobDefinition, now time.Time) models.Window {
	var explicitStart, explicitEnd string
	for _, p := range def.Mapping.Params {
		switch p.Kind {
		case "start":
			explicitStart = p.Value
		case "end":
			explicitEnd = p.Value
		}
	}
	return s.tracker.WindowFor(def.Name, def.Mapping.HasPeriodParams(), explicitStart, explicitEnd, now)
}

// Stop cancels all triggers and waits for their loops to exit. In-flight
// fires are bounded by the execution timeout.
func (s *Scheduler) Stop() {
	s.rootCancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.jobs {
		if entry.done != nil {
			<-entry.done
			entry.cancel = nil
			entry.done = nil
		}
	}
}

// Serve implements suture.Service: the scheduler runs its triggers in the
// background and Serve blocks until the supervisor cancels the context.
func (s *Scheduler) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// String implements fmt.Stringer for supervisor log messages.
func (s *Scheduler) String() string {
	return "scheduler"
}
