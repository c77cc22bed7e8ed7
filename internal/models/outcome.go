// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package models

// Outcome classes assigned by the batch writer.
const (
	OutcomeSuccess      = "success"
	OutcomeWarning      = "warning"
	OutcomeConflict     = "conflict"
	OutcomeServerError  = "server_error"
	OutcomeUnclassified = "unclassified"
)

// SubmissionOutcome is the classified result of one submitted chunk.
// Ephemeral; it exists only for logging and observability.
type SubmissionOutcome struct {
	Chunk     int              `json:"chunk"`
	Class     string           `json:"class"`
	Status    string           `json:"status,omitempty"`
	Imported  int              `json:"imported"`
	Updated   int              `json:"updated"`
	Deleted   int              `json:"deleted"`
	Ignored   int              `json:"ignored"`
	Conflicts []ImportConflict `json:"conflicts,omitempty"`
	Raw       string           `json:"raw,omitempty"`
}

// ImportConflict identifies one rejected object and the reason.
type ImportConflict struct {
	Object string `json:"object"`
	Value  string `json:"value"`
}

// ImportCount carries the destination's imported/updated/deleted/ignored
// counters.
type ImportCount struct {
	Imported int `json:"imported"`
	Updated  int `json:"updated"`
	Deleted  int `json:"deleted"`
	Ignored  int `json:"ignored"`
}

// ImportSummary is one per-object result inside a tracker import
// response.
type ImportSummary struct {
	Status      string           `json:"status"`
	Reference   string           `json:"reference,omitempty"`
	Description string           `json:"description,omitempty"`
	ImportCount ImportCount      `json:"importCount"`
	Conflicts   []ImportConflict `json:"conflicts,omitempty"`
}

// ImportResponse covers the two destination response envelopes: the
// aggregate /dataValueSets shape carries Status/ImportCount/Conflicts at
// the top level, the tracker endpoints nest import summaries under
// Response.
type ImportResponse struct {
	HTTPStatus  string           `json:"httpStatus,omitempty"`
	Status      string           `json:"status,omitempty"`
	Message     string           `json:"message,omitempty"`
	ImportCount ImportCount      `json:"importCount"`
	Conflicts   []ImportConflict `json:"conflicts,omitempty"`
	Response    *ImportSummaries `json:"response,omitempty"`
}

// ImportSummaries is the nested tracker response body.
type ImportSummaries struct {
	Status          string          `json:"status,omitempty"`
	Imported        int             `json:"imported"`
	Updated         int             `json:"updated"`
	Deleted         int             `json:"deleted"`
	Ignored         int             `json:"ignored"`
	ImportSummaries []ImportSummary `json:"importSummaries,omitempty"`
}
