// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package pipeline wires fetch, reconcile, and write into the three job
// types the scheduler dispatches: tracked-entity sync, aggregate sync,
// and attribute export.
package pipeline

import (
	"context"
	"net/url"

	"github.com/ssewanyana/dhisync/internal/dhis2"
	"github.com/ssewanyana/dhisync/internal/models"
	"github.com/ssewanyana/dhisync/internal/reconcile"
	"github.com/ssewanyana/dhisync/internal/writer"
)

// Source is the slice of the source fetcher the pipelines use.
type Source interface {
	Fetch(ctx context.Context, mapping models.Mapping, params url.Values) ([]models.Record, error)
	FetchAll(ctx context.Context, mapping models.Mapping, startURL string, params url.Values) ([]models.Record, error)
	FetchOrgUnits(ctx context.Context, mapping models.Mapping, unitsURL string, level int) ([]models.OrgUnit, error)
}

// Destination is the full destination surface the pipelines touch,
// directly or through the reconciler and writer.
type Destination interface {
	reconcile.Destination
	writer.Destination
	GetOrgUnits(ctx context.Context, level int) ([]models.OrgUnit, error)
	GetTrackedEntitiesPage(ctx context.Context, params url.Values) (*dhis2.TrackedEntityPage, error)
	GetProgramAttributes(ctx context.Context, program string) ([]dhis2.ProgramAttribute, error)
}

// buildParams renders the mapping's params for one fire: verbatim params
// keep their static value, period params carry the resolved window's
// bounds. An unbounded side contributes no parameter at all.
func buildParams(mapping models.Mapping, window models.Window) url.Values {
	params := url.Values{}
	for _, p := range mapping.Params {
		switch p.Kind {
		case "start":
			if window.Start != "" {
				params.Set(p.Name, window.Start)
			}
		case "end":
			if window.End != "" {
				params.Set(p.Name, window.End)
			}
		default:
			if p.Value != "" {
				params.Set(p.Name, p.Value)
			}
		}
	}
	return params
}

// orgUnitIndex loads reference units for the mapping, from the
// destination unless the mapping resolves no org units at all.
func orgUnitIndex(ctx context.Context, dest Destination, mapping models.Mapping) (reconcile.OrgUnitIndex, error) {
	if mapping.OrgUnitColumn == "" {
		return nil, nil
	}
	units, err := dest.GetOrgUnits(ctx, mapping.OrgUnitLevel)
	if err != nil {
		return nil, err
	}
	return reconcile.NewOrgUnitIndex(units), nil
}
