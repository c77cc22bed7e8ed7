// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package models defines the shared data model for the synchronization
// engine: job definitions, run state, source records, destination payload
// shapes, and submission outcomes.
package models

import "time"

// TimestampLayout is the canonical rendering of window and completion
// timestamps throughout the engine.
const TimestampLayout = "2006-01-02 15:04:05"

// Job types dispatchable by the scheduler.
const (
	JobTypeTrackedEntity   = "tracked-entity"
	JobTypeAggregate       = "aggregate"
	JobTypeAttributeExport = "attribute-export"
)

// Source payload shapes understood by the fetcher.
const (
	ShapeList          = "list"          // flat JSON array of records
	ShapeDataValueSets = "dataValueSets" // DHIS2 dataValueSets envelope
	ShapeAnalytics     = "analytics"     // headers[]/rows[][] table, transposed row-wise
)

// JobDefinition describes one named, independently scheduled
// synchronization task. Definitions are created through the admin surface,
// persisted in the job store, and re-registered with the scheduler at
// startup.
type JobDefinition struct {
	Name    string `json:"name" validate:"required,min=1,max=128"`
	Cadence string `json:"cadence" validate:"required"`
	JobType string `json:"jobType" validate:"required,oneof=tracked-entity aggregate attribute-export"`

	Mapping Mapping `json:"mapping"`

	// AdditionalDaysOffset shifts which day of the period the trigger
	// fires on, and how far back the aggregate reporting period reaches.
	AdditionalDaysOffset int `json:"additionalDaysOffset" validate:"min=0,max=31"`

	// UpstreamURL is the optional forwarding target for the
	// attribute-export pipeline.
	UpstreamURL string `json:"upstreamUrl,omitempty" validate:"omitempty,url"`

	// Paused suspends the trigger without deleting the definition.
	Paused bool `json:"paused,omitempty"`
}

// Mapping is the per-job configuration describing the source query, the
// destination program or dataset, and the field-to-field correspondence.
type Mapping struct {
	// Source side.
	SourceURL      string  `json:"sourceUrl" validate:"required,url"`
	SourceUsername string  `json:"sourceUsername,omitempty"`
	SourcePassword string  `json:"sourcePassword,omitempty"`
	Shape          string  `json:"shape,omitempty" validate:"omitempty,oneof=list dataValueSets analytics"`
	Params         []Param `json:"params,omitempty"`

	// Destination side.
	Program           string `json:"program,omitempty"`
	ProgramStage      string `json:"programStage,omitempty"`
	TrackedEntityType string `json:"trackedEntityType,omitempty"`
	DataSet           string `json:"dataSet,omitempty"`

	// Organisation unit resolution.
	OrgUnitColumn string `json:"orgUnitColumn,omitempty"`
	OrgUnitLevel  int    `json:"orgUnitLevel,omitempty"`

	// Tracked-entity matching: source column whose value carries the
	// unique attribute, and the destination attribute it maps to.
	UniqueColumn    string `json:"uniqueColumn,omitempty"`
	UniqueAttribute string `json:"uniqueAttribute,omitempty"`

	// Event matching: designated event-date column and whether it
	// identifies events on its own.
	EventDateColumn     string `json:"eventDateColumn,omitempty"`
	EventDateIdentifies bool   `json:"eventDateIdentifies,omitempty"`

	// Field correspondences.
	Attributes   []FieldMap `json:"attributes,omitempty"`
	DataElements []FieldMap `json:"dataElements,omitempty"`
}

// Param is one query parameter of the source request. Period params are
// filled from the resolved incremental window instead of their static
// value; Kind distinguishes the window boundary they carry.
type Param struct {
	Name  string `json:"name" validate:"required"`
	Value string `json:"value,omitempty"`

	// Kind is empty for verbatim params, "start" or "end" for period
	// params filled from the resolved window.
	Kind string `json:"kind,omitempty" validate:"omitempty,oneof=start end"`
}

// FieldMap binds a source column to a destination attribute or data
// element. Identifies marks data elements that take part in composite
// event matching.
type FieldMap struct {
	Column     string `json:"column" validate:"required"`
	ID         string `json:"id" validate:"required"`
	Identifies bool   `json:"identifies,omitempty"`
}

// HasPeriodParams reports whether the mapping declares both a start and
// an end period param. Window resolution rule 1 only applies when it does.
func (m Mapping) HasPeriodParams() bool {
	var start, end bool
	for _, p := range m.Params {
		switch p.Kind {
		case "start":
			start = true
		case "end":
			end = true
		}
	}
	return start && end
}

// IdentifyingElements returns the data elements marked as
// event-identifying, in declaration order.
func (m Mapping) IdentifyingElements() []FieldMap {
	var out []FieldMap
	for _, de := range m.DataElements {
		if de.Identifies {
			out = append(out, de)
		}
	}
	return out
}

// RunState records, per job name, when the last fire completed and when
// the next one is due. Absent until the first fire; updated at the end of
// every fire whether or not the pipeline partially failed; never rolled
// back.
type RunState struct {
	LastCompletedAt time.Time `json:"lastCompletedAt"`
	NextFireAt      time.Time `json:"nextFireAt"`
}

// Window is the half-open time range limiting an incremental fetch. Empty
// boundaries leave that side unbounded; a window with both sides empty
// imposes no filter.
type Window struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Bounded reports whether the window imposes any time filtering at all.
func (w Window) Bounded() bool {
	return w.Start != "" || w.End != ""
}
