// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package reconcile decides, for each fetched source record, whether the
// destination already holds a corresponding object. The outcome of a pass
// is a ReconciledBatch: disjoint create and update lists the writer
// submits without revisiting membership.
//
// Three matching strategies exist. Unique-attribute matching resolves
// tracked entities through a program attribute; event-date matching
// treats one event per (date, org unit) pair; composite matching keys
// events on their identifying data elements, joined with the event date
// when the date identifies alongside them. All three iterate keys in
// sorted order so a re-run over the same input produces the same batch.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ssewanyana/dhisync/internal/dhis2"
	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/models"
)

const (
	// attributeChunkSize caps how many values ride in one tracked-entity
	// IN filter.
	attributeChunkSize = 50

	// compositeChunkSize caps how many keys ride in one event IN filter.
	compositeChunkSize = 250
)

// Destination is the slice of the destination API reconciliation needs.
type Destination interface {
	QueryTrackedEntityIDs(ctx context.Context, program, attribute string, values []string) ([]string, error)
	GetTrackedEntitiesByIDs(ctx context.Context, ids []string) ([]models.TrackedEntity, error)
	QueryEventsByDate(ctx context.Context, program, orgUnit, date string) (*dhis2.EventPage, error)
	QueryEventsByValues(ctx context.Context, program, dataElement string, values []string) ([]models.Event, error)
}

// Reconciler matches source records against destination state.
type Reconciler struct {
	dest   Destination
	logger zerolog.Logger
}

// New creates a reconciler over the given destination.
func New(dest Destination) *Reconciler {
	return &Reconciler{
		dest:   dest,
		logger: logging.With().Str("component", "reconcile").Logger(),
	}
}

// Reconcile picks the matching strategy the mapping configures and runs
// one pass over the records. Identifying data elements take precedence
// over pure date matching: when the mapping declares both, records are
// keyed on fields plus date plus org unit, so two same-day records with
// distinct identifying values stay distinct.
func (r *Reconciler) Reconcile(ctx context.Context, mapping models.Mapping, records []models.Record, units OrgUnitIndex) (*models.ReconciledBatch, error) {
	switch {
	case mapping.UniqueColumn != "" && mapping.UniqueAttribute != "":
		return r.byUniqueAttribute(ctx, mapping, records, units)
	case len(mapping.IdentifyingElements()) > 0:
		return r.byComposite(ctx, mapping, records, units)
	case mapping.EventDateIdentifies && mapping.EventDateColumn != "":
		return r.byEventDate(ctx, mapping, records, units)
	default:
		return nil, fmt.Errorf("%w: mapping declares no matching strategy", models.ErrConfiguration)
	}
}

// OrgUnitIndex resolves source org-unit references (name, code, or raw
// ID) to destination org-unit IDs.
type OrgUnitIndex map[string]string

// NewOrgUnitIndex builds an index over reference rows, keyed by ID, name,
// and code.
func NewOrgUnitIndex(units []models.OrgUnit) OrgUnitIndex {
	idx := make(OrgUnitIndex, len(units)*3)
	for _, u := range units {
		idx[u.ID] = u.ID
		if u.Name != "" {
			idx[strings.TrimSpace(u.Name)] = u.ID
		}
		if u.Code != "" {
			idx[u.Code] = u.ID
		}
	}
	return idx
}

// Resolve maps one source value to an org-unit ID. An empty index passes
// values through untranslated; the mapping then carries IDs directly.
func (idx OrgUnitIndex) Resolve(value string) string {
	value = strings.TrimSpace(value)
	if len(idx) == 0 {
		return value
	}
	return idx[value]
}

// resolveOrgUnit extracts and resolves a record's org unit per the
// mapping. Empty result means the record cannot be placed.
func resolveOrgUnit(mapping models.Mapping, rec models.Record, units OrgUnitIndex) string {
	if mapping.OrgUnitColumn == "" {
		return ""
	}
	return units.Resolve(rec.Field(mapping.OrgUnitColumn))
}

// chunkStrings splits values into runs of at most size.
func chunkStrings(values []string, size int) [][]string {
	if size <= 0 || len(values) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(values)+size-1)/size)
	for start := 0; start < len(values); start += size {
		end := start + size
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

// sortedKeys returns map keys in sorted order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
