// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/metrics"
	"github.com/ssewanyana/dhisync/internal/models"
	"github.com/ssewanyana/dhisync/internal/period"
	"github.com/ssewanyana/dhisync/internal/source"
)

// exportPageSize is how many tracked entities one export page carries.
const exportPageSize = 250

// AttributeExport is the attribute-export pipeline: it pages recently
// updated tracked entities out of the destination, flattens their
// attributes into named records, and forwards each page to the job's
// upstream endpoint.
type AttributeExport struct {
	dest     Destination
	client   *http.Client
	logger   zerolog.Logger
	pageSize int
}

// NewAttributeExport wires the attribute-export pipeline.
func NewAttributeExport(dest Destination) *AttributeExport {
	return &AttributeExport{
		dest:     dest,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   logging.With().Str("pipeline", "attribute-export").Logger(),
		pageSize: exportPageSize,
	}
}

// Run executes one fire.
func (p *AttributeExport) Run(ctx context.Context, job models.JobDefinition, _ models.Window) error {
	_, _, err := p.Export(ctx, job, ExportOptions{})
	return err
}

// ExportOptions carries per-invocation overrides for the manual trigger.
// Zero values defer to the job definition.
type ExportOptions struct {
	// LastUpdatedDuration overrides the cadence-derived lookback window,
	// in destination duration shorthand ("7d", "12h").
	LastUpdatedDuration string

	// Program overrides the mapping's program.
	Program string

	// UpstreamURL overrides the job's forwarding target.
	UpstreamURL string
}

// Export pages entities updated within the lookback window and forwards
// them upstream page by page. It returns all flattened records and one
// outcome per forwarded page; the manual trigger endpoint hands both
// back to the caller, along with any caller-supplied overrides.
func (p *AttributeExport) Export(ctx context.Context, job models.JobDefinition, opts ExportOptions) ([]models.Record, []models.SubmissionOutcome, error) {
	if opts.Program != "" {
		job.Mapping.Program = opts.Program
	}
	if opts.UpstreamURL != "" {
		job.UpstreamURL = opts.UpstreamURL
	}

	log := p.logger.With().Str("job", job.Name).Logger()
	mapping := job.Mapping

	attrs, err := p.dest.GetProgramAttributes(ctx, mapping.Program)
	if err != nil {
		return nil, nil, fmt.Errorf("loading program attributes: %w", err)
	}
	nameByID := make(map[string]string, len(attrs))
	for _, a := range attrs {
		nameByID[a.ID] = a.Name
	}

	lookback := opts.LastUpdatedDuration
	if lookback == "" {
		lookback, err = period.LastUpdatedDuration(job.Cadence)
		if err != nil {
			return nil, nil, err
		}
	}

	var all []models.Record
	var outcomes []models.SubmissionOutcome

	for pageNum := 1; ; pageNum++ {
		params := url.Values{}
		params.Set("program", mapping.Program)
		params.Set("ouMode", "ACCESSIBLE")
		params.Set("lastUpdatedDuration", lookback)
		params.Set("fields", "trackedEntityInstance,orgUnit,lastUpdated,attributes[attribute,value]")
		params.Set("pageSize", strconv.Itoa(p.pageSize))
		params.Set("page", strconv.Itoa(pageNum))
		params.Set("totalPages", "true")

		entityPage, err := p.dest.GetTrackedEntitiesPage(ctx, params)
		if err != nil {
			return all, outcomes, fmt.Errorf("export page %d: %w", pageNum, err)
		}
		if len(entityPage.TrackedEntityInstances) == 0 {
			break
		}

		records := flattenEntities(entityPage.TrackedEntityInstances, nameByID)
		all = append(all, records...)
		metrics.RecordsProcessed.WithLabelValues(job.Name, "exported").Add(float64(len(records)))

		if job.UpstreamURL != "" {
			outcome := p.forward(ctx, job, pageNum, records)
			metrics.SubmissionOutcomes.WithLabelValues(job.Name, outcome.Class).Inc()
			outcomes = append(outcomes, outcome)
		}

		if len(entityPage.TrackedEntityInstances) < p.pageSize {
			break
		}
		if entityPage.Pager != nil && entityPage.Pager.PageCount > 0 && pageNum >= entityPage.Pager.PageCount {
			break
		}
	}

	log.Info().
		Int("records", len(all)).
		Int("pages_forwarded", len(outcomes)).
		Str("lookback", lookback).
		Msg("Attribute export complete")
	return all, outcomes, nil
}

// flattenEntities renders entities as flat records keyed by attribute
// display name, falling back to the attribute ID when the program
// metadata does not name it.
func flattenEntities(entities []models.TrackedEntity, nameByID map[string]string) []models.Record {
	records := make([]models.Record, 0, len(entities))
	for _, te := range entities {
		rec := models.Record{
			"trackedEntityInstance": te.TrackedEntityInstance,
			"orgUnit":               te.OrgUnit,
		}
		for _, a := range te.Attributes {
			key := nameByID[a.Attribute]
			if key == "" {
				key = a.Attribute
			}
			rec[key] = a.Value
		}
		records = append(records, source.NormalizeRecord(rec))
	}
	return records
}

// forward POSTs one page of records to the upstream endpoint. Failures
// are classified per page; a rejected page never stops the walk.
func (p *AttributeExport) forward(ctx context.Context, job models.JobDefinition, pageNum int, records []models.Record) models.SubmissionOutcome {
	outcome := models.SubmissionOutcome{Chunk: pageNum}

	body, err := json.Marshal(map[string]any{"records": records})
	if err != nil {
		outcome.Class = models.OutcomeUnclassified
		outcome.Raw = err.Error()
		return outcome
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		outcome.Class = models.OutcomeUnclassified
		outcome.Raw = err.Error()
		return outcome
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		outcome.Class = models.OutcomeUnclassified
		outcome.Raw = err.Error()
		p.logger.Warn().Err(err).Str("job", job.Name).Int("page", pageNum).Msg("Upstream forward failed")
		return outcome
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome.Class = models.OutcomeSuccess
		outcome.Imported = len(records)
		return outcome
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	outcome.Class = models.OutcomeUnclassified
	outcome.Status = resp.Status
	outcome.Raw = string(raw)
	p.logger.Warn().Int("status", resp.StatusCode).Str("job", job.Name).Int("page", pageNum).Msg("Upstream rejected page")
	return outcome
}
