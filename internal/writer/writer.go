// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package writer submits reconciled batches to the destination in fixed
// chunks. A failed chunk is classified and logged but never stops the
// remaining chunks; one bad payload must not sink the rest of a fire.
package writer

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/metrics"
	"github.com/ssewanyana/dhisync/internal/models"
)

// writeChunkSize caps how many objects ride in one import request.
const writeChunkSize = 250

// Destination is the slice of the destination API the writer needs.
type Destination interface {
	PostTrackedEntities(ctx context.Context, entities []models.TrackedEntity) (*models.ImportResponse, error)
	UpdateTrackedEntity(ctx context.Context, id string, entity models.TrackedEntity) (*models.ImportResponse, error)
	PostEnrollments(ctx context.Context, enrollments []models.Enrollment) (*models.ImportResponse, error)
	PostEvents(ctx context.Context, events []models.Event) (*models.ImportResponse, error)
	PutEventValue(ctx context.Context, event, dataElement string, value any) (*models.ImportResponse, error)
	PostDataValueSet(ctx context.Context, set models.DataValueSet) (*models.ImportResponse, error)
	PostCompleteRegistrations(ctx context.Context, regs []models.CompleteRegistration) (*models.ImportResponse, error)
}

// Writer submits payloads and classifies what came back.
type Writer struct {
	dest        Destination
	maxInFlight int
	logger      zerolog.Logger
}

// New creates a writer. maxInFlight bounds the concurrency of
// individually addressed updates.
func New(dest Destination, maxInFlight int) *Writer {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Writer{
		dest:        dest,
		maxInFlight: maxInFlight,
		logger:      logging.With().Str("component", "writer").Logger(),
	}
}

// WriteBatch submits every list of a reconciled batch in order: creates
// first, then updates. It returns one classified outcome per request
// made and never aborts early.
func (w *Writer) WriteBatch(ctx context.Context, job string, batch *models.ReconciledBatch) []models.SubmissionOutcome {
	var outcomes []models.SubmissionOutcome

	outcomes = append(outcomes, w.writeEntities(ctx, job, batch.NewEntities)...)
	outcomes = append(outcomes, w.writeEntityUpdates(ctx, job, batch.EntityUpdates)...)
	outcomes = append(outcomes, w.writeEnrollments(ctx, job, batch.NewEnrollments)...)
	outcomes = append(outcomes, w.writeEvents(ctx, job, batch.NewEvents)...)
	outcomes = append(outcomes, w.writeEventUpdates(ctx, job, batch.EventUpdates)...)

	for _, o := range outcomes {
		metrics.SubmissionOutcomes.WithLabelValues(job, o.Class).Inc()
	}
	return outcomes
}

func (w *Writer) writeEntities(ctx context.Context, job string, entities []models.TrackedEntity) []models.SubmissionOutcome {
	var outcomes []models.SubmissionOutcome
	for i, chunk := range chunkEntities(entities, writeChunkSize) {
		resp, err := w.dest.PostTrackedEntities(ctx, chunk)
		outcome := Classify(i+1, resp, err)
		w.logOutcome(job, "tracked_entities", len(chunk), outcome)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// writeEntityUpdates issues one PUT per entity, bounded by maxInFlight.
// Outcome order follows input order regardless of completion order.
func (w *Writer) writeEntityUpdates(ctx context.Context, job string, updates []models.TrackedEntity) []models.SubmissionOutcome {
	if len(updates) == 0 {
		return nil
	}
	outcomes := make([]models.SubmissionOutcome, len(updates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxInFlight)
	for i, update := range updates {
		g.Go(func() error {
			resp, err := w.dest.UpdateTrackedEntity(gctx, update.TrackedEntityInstance, update)
			outcome := Classify(i+1, resp, err)
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i := range outcomes {
		w.logOutcome(job, "entity_updates", 1, outcomes[i])
	}
	return outcomes
}

func (w *Writer) writeEnrollments(ctx context.Context, job string, enrollments []models.Enrollment) []models.SubmissionOutcome {
	var outcomes []models.SubmissionOutcome
	for start := 0; start < len(enrollments); start += writeChunkSize {
		end := min(start+writeChunkSize, len(enrollments))
		resp, err := w.dest.PostEnrollments(ctx, enrollments[start:end])
		outcome := Classify(start/writeChunkSize+1, resp, err)
		w.logOutcome(job, "enrollments", end-start, outcome)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (w *Writer) writeEvents(ctx context.Context, job string, events []models.Event) []models.SubmissionOutcome {
	var outcomes []models.SubmissionOutcome
	for start := 0; start < len(events); start += writeChunkSize {
		end := min(start+writeChunkSize, len(events))
		resp, err := w.dest.PostEvents(ctx, events[start:end])
		outcome := Classify(start/writeChunkSize+1, resp, err)
		w.logOutcome(job, "events", end-start, outcome)
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// writeEventUpdates fans individually addressed field PUTs out across
// maxInFlight workers.
func (w *Writer) writeEventUpdates(ctx context.Context, job string, updates []models.EventFieldUpdate) []models.SubmissionOutcome {
	if len(updates) == 0 {
		return nil
	}
	outcomes := make([]models.SubmissionOutcome, len(updates))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.maxInFlight)
	for i, update := range updates {
		g.Go(func() error {
			resp, err := w.dest.PutEventValue(gctx, update.Event, update.DataElement, update.Value)
			outcome := Classify(i+1, resp, err)
			mu.Lock()
			outcomes[i] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i := range outcomes {
		w.logOutcome(job, "event_updates", 1, outcomes[i])
	}
	return outcomes
}

// WriteDataValueSet submits aggregate values in chunks under one set
// envelope per chunk.
func (w *Writer) WriteDataValueSet(ctx context.Context, job string, set models.DataValueSet) []models.SubmissionOutcome {
	var outcomes []models.SubmissionOutcome
	values := set.DataValues
	for start := 0; start < len(values); start += writeChunkSize {
		end := min(start+writeChunkSize, len(values))
		chunk := models.DataValueSet{
			DataSet:    set.DataSet,
			Period:     set.Period,
			OrgUnit:    set.OrgUnit,
			DataValues: values[start:end],
		}
		resp, err := w.dest.PostDataValueSet(ctx, chunk)
		outcome := Classify(start/writeChunkSize+1, resp, err)
		w.logOutcome(job, "data_values", end-start, outcome)
		outcomes = append(outcomes, outcome)
		metrics.SubmissionOutcomes.WithLabelValues(job, outcome.Class).Inc()
	}
	return outcomes
}

// WriteCompleteRegistrations marks reported (dataSet, period, orgUnit)
// combinations complete.
func (w *Writer) WriteCompleteRegistrations(ctx context.Context, job string, regs []models.CompleteRegistration) []models.SubmissionOutcome {
	var outcomes []models.SubmissionOutcome
	for start := 0; start < len(regs); start += writeChunkSize {
		end := min(start+writeChunkSize, len(regs))
		resp, err := w.dest.PostCompleteRegistrations(ctx, regs[start:end])
		outcome := Classify(start/writeChunkSize+1, resp, err)
		w.logOutcome(job, "complete_registrations", end-start, outcome)
		outcomes = append(outcomes, outcome)
		metrics.SubmissionOutcomes.WithLabelValues(job, outcome.Class).Inc()
	}
	return outcomes
}

func (w *Writer) logOutcome(job, stage string, size int, outcome models.SubmissionOutcome) {
	evt := w.logger.Info()
	if outcome.Class != models.OutcomeSuccess {
		evt = w.logger.Warn()
		if outcome.Class == models.OutcomeConflict {
			evt = evt.Err(models.ErrValidationRejected)
		}
	}
	evt.Str("job", job).
		Str("stage", stage).
		Int("chunk", outcome.Chunk).
		Int("size", size).
		Str("class", outcome.Class).
		Int("imported", outcome.Imported).
		Int("updated", outcome.Updated).
		Int("ignored", outcome.Ignored).
		Int("conflicts", len(outcome.Conflicts)).
		Msg("Chunk submitted")
}

func chunkEntities(entities []models.TrackedEntity, size int) [][]models.TrackedEntity {
	if len(entities) == 0 {
		return nil
	}
	chunks := make([][]models.TrackedEntity, 0, (len(entities)+size-1)/size)
	for start := 0; start < len(entities); start += size {
		end := min(start+size, len(entities))
		chunks = append(chunks, entities[start:end])
	}
	return chunks
}
