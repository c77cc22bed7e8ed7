// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/metrics"
	"github.com/ssewanyana/dhisync/internal/models"
	"github.com/ssewanyana/dhisync/internal/reconcile"
	"github.com/ssewanyana/dhisync/internal/writer"
)

// Tracked is the tracked-entity pipeline: fetch source records for the
// window, reconcile them against the destination program, and submit the
// resulting batch.
type Tracked struct {
	source Source
	dest   Destination
	recon  *reconcile.Reconciler
	writer *writer.Writer
	logger zerolog.Logger
}

// NewTracked wires the tracked-entity pipeline.
func NewTracked(src Source, dest Destination, recon *reconcile.Reconciler, wr *writer.Writer) *Tracked {
	return &Tracked{
		source: src,
		dest:   dest,
		recon:  recon,
		writer: wr,
		logger: logging.With().Str("pipeline", "tracked-entity").Logger(),
	}
}

// Run executes one fire.
func (p *Tracked) Run(ctx context.Context, job models.JobDefinition, window models.Window) error {
	log := p.logger.With().Str("job", job.Name).Logger()
	mapping := job.Mapping

	params := buildParams(mapping, window)
	records, err := p.source.Fetch(ctx, mapping, params)
	if err != nil {
		metrics.FetchErrors.WithLabelValues(job.Name, fetchErrorKind(err)).Inc()
		return fmt.Errorf("fetching source records: %w", err)
	}
	metrics.RecordsProcessed.WithLabelValues(job.Name, "fetched").Add(float64(len(records)))
	if len(records) == 0 {
		log.Info().Msg("No source records in window")
		return nil
	}

	units, err := orgUnitIndex(ctx, p.dest, mapping)
	if err != nil {
		return fmt.Errorf("loading organisation units: %w", err)
	}

	batch, err := p.recon.Reconcile(ctx, mapping, records, units)
	if err != nil {
		return fmt.Errorf("reconciling records: %w", err)
	}
	metrics.RecordsProcessed.WithLabelValues(job.Name, "reconciled").Add(float64(
		len(batch.NewEntities) + len(batch.EntityUpdates) + len(batch.NewEvents) + len(batch.EventUpdates)))

	log.Info().
		Int("records", len(records)).
		Int("new_entities", len(batch.NewEntities)).
		Int("entity_updates", len(batch.EntityUpdates)).
		Int("new_enrollments", len(batch.NewEnrollments)).
		Int("new_events", len(batch.NewEvents)).
		Int("event_updates", len(batch.EventUpdates)).
		Int("ambiguous", batch.Ambiguous).
		Int("excluded", batch.Excluded).
		Msg("Reconciliation complete")

	outcomes := p.writer.WriteBatch(ctx, job.Name, batch)
	return summarize(log, outcomes)
}

// summarize logs the aggregate outcome. Partial failure is not a fire
// failure: failed chunks were already classified and counted, and the
// completion timestamp must advance regardless.
func summarize(log zerolog.Logger, outcomes []models.SubmissionOutcome) error {
	var failed int
	for _, o := range outcomes {
		if o.Class == models.OutcomeServerError || o.Class == models.OutcomeUnclassified {
			failed++
		}
	}
	if failed > 0 {
		log.Warn().Int("failed_chunks", failed).Int("total_chunks", len(outcomes)).Msg("Fire finished with failed chunks")
	}
	return nil
}

func fetchErrorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, models.ErrConfiguration):
		return "configuration"
	default:
		return "request"
	}
}
