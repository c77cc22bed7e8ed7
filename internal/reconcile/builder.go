// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package reconcile

import (
	"time"

	"github.com/ssewanyana/dhisync/internal/models"
)

const dateLayout = "2006-01-02"

// attributesFor maps the record's columns onto destination attributes in
// declaration order. The unique matching attribute is included even when
// it is not listed among the mapped attributes.
func attributesFor(mapping models.Mapping, rec models.Record) []models.Attribute {
	attrs := make([]models.Attribute, 0, len(mapping.Attributes)+1)
	seen := make(map[string]struct{}, len(mapping.Attributes)+1)

	for _, fm := range mapping.Attributes {
		v := rec.Field(fm.Column)
		if v == "" {
			continue
		}
		attrs = append(attrs, models.Attribute{Attribute: fm.ID, Value: v})
		seen[fm.ID] = struct{}{}
	}

	if mapping.UniqueAttribute != "" {
		if _, ok := seen[mapping.UniqueAttribute]; !ok {
			if v := rec.Field(mapping.UniqueColumn); v != "" {
				attrs = append(attrs, models.Attribute{Attribute: mapping.UniqueAttribute, Value: v})
			}
		}
	}
	return attrs
}

// dataValuesFor maps the record's columns onto event data values in
// declaration order, skipping empty source values.
func dataValuesFor(mapping models.Mapping, rec models.Record) []models.DataValue {
	values := make([]models.DataValue, 0, len(mapping.DataElements))
	for _, fm := range mapping.DataElements {
		v := rec.Field(fm.Column)
		if v == "" {
			continue
		}
		values = append(values, models.DataValue{DataElement: fm.ID, Value: v})
	}
	return values
}

// eventDateFor returns the record's event date, defaulting to today when
// the mapping designates no date column or the value is absent.
func eventDateFor(mapping models.Mapping, rec models.Record) string {
	if mapping.EventDateColumn != "" {
		if v := rec.Field(mapping.EventDateColumn); v != "" {
			if len(v) > len(dateLayout) {
				v = v[:len(dateLayout)]
			}
			return v
		}
	}
	return time.Now().Format(dateLayout)
}

// eventFor builds a new event payload for the record.
func eventFor(mapping models.Mapping, rec models.Record, orgUnit string) models.Event {
	return models.Event{
		Program:      mapping.Program,
		ProgramStage: mapping.ProgramStage,
		OrgUnit:      orgUnit,
		EventDate:    eventDateFor(mapping, rec),
		Status:       "COMPLETED",
		DataValues:   dataValuesFor(mapping, rec),
	}
}

// newEntityFor builds a full create payload: tracked entity with a nested
// enrollment carrying the record's event. The destination creates all
// three in one import.
func newEntityFor(mapping models.Mapping, rec models.Record, orgUnit string) models.TrackedEntity {
	eventDate := eventDateFor(mapping, rec)
	return models.TrackedEntity{
		TrackedEntityType: mapping.TrackedEntityType,
		OrgUnit:           orgUnit,
		Attributes:        attributesFor(mapping, rec),
		Enrollments: []models.Enrollment{{
			Program:        mapping.Program,
			OrgUnit:        orgUnit,
			EnrollmentDate: eventDate,
			IncidentDate:   eventDate,
			Status:         "ACTIVE",
			Events:         []models.Event{eventFor(mapping, rec, orgUnit)},
		}},
	}
}

// enrollmentFor finds the entity's existing enrollment in the mapping's
// program, if any.
func enrollmentFor(entity models.TrackedEntity, program string) (models.Enrollment, bool) {
	for _, en := range entity.Enrollments {
		if en.Program == program {
			return en, true
		}
	}
	return models.Enrollment{}, false
}
