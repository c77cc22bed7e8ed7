// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package reconcile

import (
	"context"
	"fmt"

	"github.com/ssewanyana/dhisync/internal/models"
)

// byEventDate matches events on their (date, org unit) pair alone. The
// query pulls a single event per pair and reads the pager total: exactly
// one match is an update target, more than one is ambiguous and the pair
// is skipped rather than guessed at.
func (r *Reconciler) byEventDate(ctx context.Context, mapping models.Mapping, records []models.Record, units OrgUnitIndex) (*models.ReconciledBatch, error) {
	batch := &models.ReconciledBatch{}

	// Last write wins per pair; earlier records for the same pair are
	// superseded, not duplicated.
	latest := make(map[string]models.Record, len(records))
	orgUnits := make(map[string]string, len(records))
	dates := make(map[string]string, len(records))

	for _, rec := range records {
		date := rec.Field(mapping.EventDateColumn)
		orgUnit := resolveOrgUnit(mapping, rec, units)
		if date == "" || orgUnit == "" {
			batch.Excluded++
			continue
		}
		if len(date) > len(dateLayout) {
			date = date[:len(dateLayout)]
		}
		key := date + "|" + orgUnit
		latest[key] = rec
		orgUnits[key] = orgUnit
		dates[key] = date
	}

	for _, key := range sortedKeys(latest) {
		rec := latest[key]
		orgUnit := orgUnits[key]
		date := dates[key]

		page, err := r.dest.QueryEventsByDate(ctx, mapping.Program, orgUnit, date)
		if err != nil {
			return nil, fmt.Errorf("event date lookup %s: %w", key, err)
		}

		switch total := page.Total(); {
		case total == 0:
			batch.NewEvents = append(batch.NewEvents, eventFor(mapping, rec, orgUnit))

		case total == 1 && len(page.Events) > 0:
			existing := page.Events[0]
			batch.EventUpdates = append(batch.EventUpdates, fieldUpdates(mapping, rec, existing)...)

		default:
			batch.Ambiguous++
			r.logger.Warn().
				Err(models.ErrAmbiguousMatch).
				Str("date", date).
				Str("org_unit", orgUnit).
				Int("candidates", total).
				Msg("Ambiguous event-date match, record skipped")
		}
	}

	return batch, nil
}

// fieldUpdates diffs the record's mapped data elements against an
// existing event, producing one individually addressed update per changed
// field.
func fieldUpdates(mapping models.Mapping, rec models.Record, existing models.Event) []models.EventFieldUpdate {
	var updates []models.EventFieldUpdate
	for _, fm := range mapping.DataElements {
		v := rec.Field(fm.Column)
		if v == "" || v == existing.DataValueFor(fm.ID) {
			continue
		}
		updates = append(updates, models.EventFieldUpdate{
			Event:       existing.Event,
			DataElement: fm.ID,
			Value:       v,
		})
	}
	return updates
}
