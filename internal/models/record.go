// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package models

import (
	"fmt"
	"sort"
	"strings"
)

// Record is one source row: an arbitrary field-name keyed mapping as
// retrieved from the source system. Immutable once fetched within a run.
type Record map[string]any

// Field returns the record's value for key rendered as a trimmed string.
// Missing keys and nil values render as the empty string.
func (r Record) Field(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing ".0" so they round-trip as filter values.
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

// Keys returns the record's field names in sorted order. Reconciliation
// iterates records through sorted keys so identical inputs always produce
// identical output ordering.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Attribute is one tracked-entity attribute value.
type Attribute struct {
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

// TrackedEntity is the destination payload for a subject being followed
// over time.
type TrackedEntity struct {
	TrackedEntityInstance string       `json:"trackedEntityInstance,omitempty"`
	TrackedEntityType     string       `json:"trackedEntityType,omitempty"`
	OrgUnit               string       `json:"orgUnit"`
	Attributes            []Attribute  `json:"attributes"`
	Enrollments           []Enrollment `json:"enrollments,omitempty"`
}

// AttributeValue returns the entity's value for the given attribute ID, or
// the empty string when absent.
func (te TrackedEntity) AttributeValue(id string) string {
	for _, a := range te.Attributes {
		if a.Attribute == id {
			return strings.TrimSpace(fmt.Sprintf("%v", a.Value))
		}
	}
	return ""
}

// Enrollment is a tracked entity's participation record in a program.
type Enrollment struct {
	Enrollment            string  `json:"enrollment,omitempty"`
	TrackedEntityInstance string  `json:"trackedEntityInstance,omitempty"`
	Program               string  `json:"program"`
	OrgUnit               string  `json:"orgUnit"`
	EnrollmentDate        string  `json:"enrollmentDate,omitempty"`
	IncidentDate          string  `json:"incidentDate,omitempty"`
	Status                string  `json:"status,omitempty"`
	Events                []Event `json:"events,omitempty"`
}

// Event is a single dated occurrence of data collection under a program
// stage.
type Event struct {
	Event                 string      `json:"event,omitempty"`
	Program               string      `json:"program,omitempty"`
	ProgramStage          string      `json:"programStage,omitempty"`
	Enrollment            string      `json:"enrollment,omitempty"`
	TrackedEntityInstance string      `json:"trackedEntityInstance,omitempty"`
	OrgUnit               string      `json:"orgUnit"`
	EventDate             string      `json:"eventDate"`
	Status                string      `json:"status,omitempty"`
	DataValues            []DataValue `json:"dataValues"`
}

// DataValueFor returns the event's value for the given data element ID, or
// the empty string when absent.
func (e Event) DataValueFor(id string) string {
	for _, dv := range e.DataValues {
		if dv.DataElement == id {
			return strings.TrimSpace(fmt.Sprintf("%v", dv.Value))
		}
	}
	return ""
}

// DataValue is one data element value inside an event or data value set.
type DataValue struct {
	DataElement string `json:"dataElement"`
	Value       any    `json:"value"`
}

// OrgUnit is an organisation-unit reference row.
type OrgUnit struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// DataValueSet is the aggregate submission envelope for /dataValueSets.
type DataValueSet struct {
	DataSet    string              `json:"dataSet,omitempty"`
	Period     string              `json:"period,omitempty"`
	OrgUnit    string              `json:"orgUnit,omitempty"`
	DataValues []DataValueSetValue `json:"dataValues"`
}

// DataValueSetValue is one aggregate data value row.
type DataValueSetValue struct {
	DataElement          string `json:"dataElement"`
	Period               string `json:"period"`
	OrgUnit              string `json:"orgUnit"`
	CategoryOptionCombo  string `json:"categoryOptionCombo,omitempty"`
	AttributeOptionCombo string `json:"attributeOptionCombo,omitempty"`
	Value                string `json:"value"`
}

// CompleteRegistration marks one (dataSet, period, orgUnit) combination as
// reported.
type CompleteRegistration struct {
	DataSet             string `json:"dataSet"`
	Period              string `json:"period"`
	OrganisationUnit    string `json:"organisationUnit"`
	Date                string `json:"date"`
	StoredBy            string `json:"storedBy,omitempty"`
}

// EventFieldUpdate is one individually addressed event field change,
// submitted as PUT /events/{event}/{dataElement}.
type EventFieldUpdate struct {
	Event       string
	DataElement string
	Value       any
}

// ReconciledBatch is the outcome of one reconciliation pass: four disjoint
// lists, each record appearing in at most one of them. Membership is
// decided once per pass and not revisited.
type ReconciledBatch struct {
	NewEntities    []TrackedEntity
	EntityUpdates  []TrackedEntity
	NewEnrollments []Enrollment
	NewEvents      []Event
	EventUpdates   []EventFieldUpdate

	// Ambiguous counts keys for which the destination returned more than
	// one candidate; the affected records were skipped, not guessed at.
	Ambiguous int

	// Excluded counts records dropped from composite matching because an
	// identifying value or org unit could not be resolved.
	Excluded int
}
