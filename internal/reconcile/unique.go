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

// byUniqueAttribute matches tracked entities on a unique program
// attribute. Duplicate source values collapse to the last occurrence
// before any destination query runs, so a batch carrying the same subject
// twice issues one lookup and one write for it.
//
// Matching is two-phase: an IN filter over the attribute yields candidate
// instance IDs, then the IDs are re-fetched with enrollments and events
// so updates can be routed into an existing enrollment.
func (r *Reconciler) byUniqueAttribute(ctx context.Context, mapping models.Mapping, records []models.Record, units OrgUnitIndex) (*models.ReconciledBatch, error) {
	batch := &models.ReconciledBatch{}

	latest := make(map[string]models.Record, len(records))
	for _, rec := range records {
		v := rec.Field(mapping.UniqueColumn)
		if v == "" {
			batch.Excluded++
			continue
		}
		latest[v] = rec
	}
	values := sortedKeys(latest)
	if len(values) == 0 {
		return batch, nil
	}

	ids, err := r.lookupInstanceIDs(ctx, mapping, values)
	if err != nil {
		return nil, err
	}

	byValue, err := r.fetchEntitiesByValue(ctx, mapping, ids)
	if err != nil {
		return nil, err
	}

	for _, v := range values {
		rec := latest[v]
		matches := byValue[v]

		switch len(matches) {
		case 0:
			orgUnit := resolveOrgUnit(mapping, rec, units)
			if orgUnit == "" {
				batch.Excluded++
				r.logger.Debug().Str("value", v).Msg("New entity skipped, org unit unresolved")
				continue
			}
			batch.NewEntities = append(batch.NewEntities, newEntityFor(mapping, rec, orgUnit))

		case 1:
			existing := matches[0]
			batch.EntityUpdates = append(batch.EntityUpdates, models.TrackedEntity{
				TrackedEntityInstance: existing.TrackedEntityInstance,
				TrackedEntityType:     mapping.TrackedEntityType,
				OrgUnit:               existing.OrgUnit,
				Attributes:            attributesFor(mapping, rec),
			})

			ev := eventFor(mapping, rec, existing.OrgUnit)
			ev.TrackedEntityInstance = existing.TrackedEntityInstance
			if en, ok := enrollmentFor(existing, mapping.Program); ok {
				ev.Enrollment = en.Enrollment
				batch.NewEvents = append(batch.NewEvents, ev)
			} else {
				batch.NewEnrollments = append(batch.NewEnrollments, models.Enrollment{
					TrackedEntityInstance: existing.TrackedEntityInstance,
					Program:               mapping.Program,
					OrgUnit:               existing.OrgUnit,
					EnrollmentDate:        ev.EventDate,
					IncidentDate:          ev.EventDate,
					Status:                "ACTIVE",
					Events:                []models.Event{ev},
				})
			}

		default:
			batch.Ambiguous++
			r.logger.Warn().
				Err(models.ErrAmbiguousMatch).
				Str("value", v).
				Int("candidates", len(matches)).
				Msg("Ambiguous unique-attribute match, record skipped")
		}
	}

	return batch, nil
}

// lookupInstanceIDs runs phase one: chunked IN queries over the unique
// attribute, collecting distinct candidate instance IDs.
func (r *Reconciler) lookupInstanceIDs(ctx context.Context, mapping models.Mapping, values []string) ([]string, error) {
	var ids []string
	seen := map[string]struct{}{}

	for i, chunk := range chunkStrings(values, attributeChunkSize) {
		chunkIDs, err := r.dest.QueryTrackedEntityIDs(ctx, mapping.Program, mapping.UniqueAttribute, chunk)
		if err != nil {
			return nil, fmt.Errorf("attribute lookup chunk %d: %w", i+1, err)
		}
		for _, id := range chunkIDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fetchEntitiesByValue runs phase two: re-fetch full entities by ID and
// group them by their unique attribute value.
func (r *Reconciler) fetchEntitiesByValue(ctx context.Context, mapping models.Mapping, ids []string) (map[string][]models.TrackedEntity, error) {
	byValue := map[string][]models.TrackedEntity{}

	for i, chunk := range chunkStrings(ids, attributeChunkSize) {
		entities, err := r.dest.GetTrackedEntitiesByIDs(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("entity fetch chunk %d: %w", i+1, err)
		}
		for _, te := range entities {
			v := te.AttributeValue(mapping.UniqueAttribute)
			if v == "" {
				continue
			}
			byValue[v] = append(byValue[v], te)
		}
	}
	return byValue, nil
}
