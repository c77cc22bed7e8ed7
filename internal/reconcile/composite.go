// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ssewanyana/dhisync/internal/models"
)

// byComposite matches events on the combination of their identifying
// data elements plus org unit; when the mapping marks the event date as
// identifying too, the date joins the key. Records missing any
// identifying value, the date when it is part of the key, or an
// unresolvable org unit cannot be decided and are excluded up front; a
// record must never be half-matched.
//
// Candidate events are fetched with chunked IN filters over the first
// identifying element, then indexed by the full composite key.
func (r *Reconciler) byComposite(ctx context.Context, mapping models.Mapping, records []models.Record, units OrgUnitIndex) (*models.ReconciledBatch, error) {
	idents := mapping.IdentifyingElements()
	if len(idents) == 0 {
		return nil, fmt.Errorf("%w: no identifying data elements configured", models.ErrConfiguration)
	}
	dateInKey := mapping.EventDateIdentifies && mapping.EventDateColumn != ""

	batch := &models.ReconciledBatch{}

	type entry struct {
		rec     models.Record
		orgUnit string
	}
	latest := make(map[string]entry, len(records))

	for _, rec := range records {
		orgUnit := resolveOrgUnit(mapping, rec, units)
		if orgUnit == "" {
			batch.Excluded++
			continue
		}

		parts := make([]string, 0, len(idents)+2)
		complete := true
		for _, fm := range idents {
			v := rec.Field(fm.Column)
			if v == "" {
				complete = false
				break
			}
			parts = append(parts, v)
		}
		if complete && dateInKey {
			date := rec.Field(mapping.EventDateColumn)
			if len(date) > len(dateLayout) {
				date = date[:len(dateLayout)]
			}
			if date == "" {
				complete = false
			} else {
				parts = append(parts, date)
			}
		}
		if !complete {
			batch.Excluded++
			continue
		}

		parts = append(parts, orgUnit)
		latest[strings.Join(parts, "|")] = entry{rec: rec, orgUnit: orgUnit}
	}
	if len(latest) == 0 {
		return batch, nil
	}

	// Distinct first-element values drive the candidate queries.
	firstSeen := map[string]struct{}{}
	var firstValues []string
	for _, e := range latest {
		v := e.rec.Field(idents[0].Column)
		if _, dup := firstSeen[v]; dup {
			continue
		}
		firstSeen[v] = struct{}{}
		firstValues = append(firstValues, v)
	}
	sort.Strings(firstValues)

	index := map[string][]models.Event{}
	for i, chunk := range chunkStrings(firstValues, compositeChunkSize) {
		events, err := r.dest.QueryEventsByValues(ctx, mapping.Program, idents[0].ID, chunk)
		if err != nil {
			return nil, fmt.Errorf("composite lookup chunk %d: %w", i+1, err)
		}
		for _, ev := range events {
			key, ok := compositeEventKey(ev, idents, dateInKey)
			if !ok {
				continue
			}
			index[key] = append(index[key], ev)
		}
	}

	for _, key := range sortedKeys(latest) {
		e := latest[key]
		matches := index[key]

		switch len(matches) {
		case 0:
			batch.NewEvents = append(batch.NewEvents, eventFor(mapping, e.rec, e.orgUnit))
		case 1:
			batch.EventUpdates = append(batch.EventUpdates, fieldUpdates(mapping, e.rec, matches[0])...)
		default:
			batch.Ambiguous++
			r.logger.Warn().
				Err(models.ErrAmbiguousMatch).
				Str("key", key).
				Int("candidates", len(matches)).
				Msg("Ambiguous composite match, record skipped")
		}
	}

	return batch, nil
}

// compositeEventKey derives an event's composite key from its identifying
// data values, the event date when it is part of the key, and org unit.
// Events missing any key component cannot participate in matching.
func compositeEventKey(ev models.Event, idents []models.FieldMap, dateInKey bool) (string, bool) {
	parts := make([]string, 0, len(idents)+2)
	for _, fm := range idents {
		v := ev.DataValueFor(fm.ID)
		if v == "" {
			return "", false
		}
		parts = append(parts, v)
	}
	if dateInKey {
		date := ev.EventDate
		if len(date) > len(dateLayout) {
			date = date[:len(dateLayout)]
		}
		if date == "" {
			return "", false
		}
		parts = append(parts, date)
	}
	parts = append(parts, ev.OrgUnit)
	return strings.Join(parts, "|"), true
}
