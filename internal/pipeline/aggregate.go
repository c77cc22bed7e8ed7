// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/metrics"
	"github.com/ssewanyana/dhisync/internal/models"
	"github.com/ssewanyana/dhisync/internal/period"
	"github.com/ssewanyana/dhisync/internal/reconcile"
	"github.com/ssewanyana/dhisync/internal/writer"
)

// Aggregate is the aggregate pipeline: fetch data values for the
// reporting period, submit them as data value sets, then mark the
// touched (period, org unit) combinations complete.
type Aggregate struct {
	source Source
	dest   Destination
	writer *writer.Writer
	logger zerolog.Logger

	// maxPulls bounds concurrent per-org-unit source pulls.
	maxPulls int

	// now is the clock; overridable in tests.
	now func() time.Time
}

// NewAggregate wires the aggregate pipeline.
func NewAggregate(src Source, dest Destination, wr *writer.Writer, maxPulls int) *Aggregate {
	if maxPulls < 1 {
		maxPulls = 1
	}
	return &Aggregate{
		source:   src,
		dest:     dest,
		writer:   wr,
		maxPulls: maxPulls,
		logger:   logging.With().Str("pipeline", "aggregate").Logger(),
		now:      time.Now,
	}
}

// Run executes one fire. The reporting period is derived from the
// cadence shifted back by the job's day offset, so a fire on the first
// days of a period reports the period that just closed.
func (p *Aggregate) Run(ctx context.Context, job models.JobDefinition, _ models.Window) error {
	log := p.logger.With().Str("job", job.Name).Logger()
	mapping := job.Mapping

	ref := p.now().AddDate(0, 0, -period.OffsetDays(job.Cadence, job.AdditionalDaysOffset))
	label, err := period.FormatPeriod(job.Cadence, ref)
	if err != nil {
		return err
	}

	records, err := p.fetchRecords(ctx, job, label)
	if err != nil {
		metrics.FetchErrors.WithLabelValues(job.Name, fetchErrorKind(err)).Inc()
		return fmt.Errorf("fetching aggregate records: %w", err)
	}
	metrics.RecordsProcessed.WithLabelValues(job.Name, "fetched").Add(float64(len(records)))
	if len(records) == 0 {
		log.Info().Str("period", label).Msg("No aggregate records for period")
		return nil
	}

	units, err := orgUnitIndex(ctx, p.dest, mapping)
	if err != nil {
		return fmt.Errorf("loading organisation units: %w", err)
	}

	values := toDataValues(mapping, records, label, units)
	if len(values) == 0 {
		log.Warn().Int("records", len(records)).Msg("No mappable data values in fetched records")
		return nil
	}

	set := models.DataValueSet{DataSet: mapping.DataSet, DataValues: values}
	outcomes := p.writer.WriteDataValueSet(ctx, job.Name, set)

	regs := completeRegistrations(mapping.DataSet, values, p.now())
	outcomes = append(outcomes, p.writer.WriteCompleteRegistrations(ctx, job.Name, regs)...)

	log.Info().
		Str("period", label).
		Int("data_values", len(values)).
		Int("registrations", len(regs)).
		Msg("Aggregate submission complete")
	return summarize(log, outcomes)
}

// fetchRecords pulls the period's records. The dataValueSets shape pulls
// each org unit separately and concurrently since that endpoint requires
// an explicit org unit; the other shapes need one request.
func (p *Aggregate) fetchRecords(ctx context.Context, job models.JobDefinition, label string) ([]models.Record, error) {
	mapping := job.Mapping
	params := buildParams(mapping, models.Window{})
	params.Set("period", label)

	if mapping.Shape != models.ShapeDataValueSets {
		return p.source.Fetch(ctx, mapping, params)
	}

	units, err := p.dest.GetOrgUnits(ctx, mapping.OrgUnitLevel)
	if err != nil {
		return nil, fmt.Errorf("listing organisation units: %w", err)
	}

	var mu sync.Mutex
	var all []models.Record

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxPulls)
	for _, unit := range units {
		g.Go(func() error {
			unitParams := url.Values{}
			for k, vs := range params {
				unitParams[k] = vs
			}
			unitParams.Set("orgUnit", unit.ID)

			records, err := p.source.Fetch(gctx, mapping, unitParams)
			if err != nil {
				return fmt.Errorf("org unit %s: %w", unit.ID, err)
			}
			mu.Lock()
			all = append(all, records...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// toDataValues flattens records into data value rows. Records that carry
// a dataElement field are passed through directly; otherwise the
// mapping's data elements are applied column-wise.
func toDataValues(mapping models.Mapping, records []models.Record, label string, units reconcile.OrgUnitIndex) []models.DataValueSetValue {
	var values []models.DataValueSetValue
	for _, rec := range records {
		orgUnit := rec.Field("orgUnit")
		if mapping.OrgUnitColumn != "" {
			if resolved := units.Resolve(rec.Field(mapping.OrgUnitColumn)); resolved != "" {
				orgUnit = resolved
			}
		}
		if orgUnit == "" {
			continue
		}

		pe := rec.Field("period")
		if pe == "" {
			pe = label
		}

		if de := rec.Field("dataElement"); de != "" {
			values = append(values, models.DataValueSetValue{
				DataElement:         de,
				Period:              pe,
				OrgUnit:             orgUnit,
				CategoryOptionCombo: rec.Field("categoryOptionCombo"),
				Value:               rec.Field("value"),
			})
			continue
		}

		for _, fm := range mapping.DataElements {
			v := rec.Field(fm.Column)
			if v == "" {
				continue
			}
			values = append(values, models.DataValueSetValue{
				DataElement: fm.ID,
				Period:      pe,
				OrgUnit:     orgUnit,
				Value:       v,
			})
		}
	}
	return values
}

// completeRegistrations derives one completion per distinct
// (period, org unit) combination present in the submitted values, in
// sorted order.
func completeRegistrations(dataSet string, values []models.DataValueSetValue, now time.Time) []models.CompleteRegistration {
	seen := map[string]models.CompleteRegistration{}
	for _, v := range values {
		key := v.Period + "|" + v.OrgUnit
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = models.CompleteRegistration{
			DataSet:          dataSet,
			Period:           v.Period,
			OrganisationUnit: v.OrgUnit,
			Date:             now.Format("2006-01-02"),
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	regs := make([]models.CompleteRegistration, 0, len(seen))
	for _, k := range keys {
		regs = append(regs, seen[k])
	}
	return regs
}
