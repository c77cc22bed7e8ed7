// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package models

import "errors"

// Failure taxonomy. Every pipeline stage classifies its own failures
// against these sentinels so that no fire crosses the scheduler boundary
// as a panic or an unclassified error.
var (
	// ErrConfiguration marks an invalid job definition (unknown cadence,
	// missing required mapping fields). Fatal at registration time; the
	// job is not created.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnreachable marks a failed source liveness probe. The fire is
	// abandoned for this cycle and the next cadence tick tries again.
	ErrUnreachable = errors.New("source unreachable")

	// ErrRequestFailed marks a non-2xx or transport failure on fetch or
	// submit. Logged with context; sibling chunks continue.
	ErrRequestFailed = errors.New("request failed")

	// ErrAmbiguousMatch marks a reconciliation key for which the
	// destination returned more than one candidate. The record is
	// skipped, never guessed at.
	ErrAmbiguousMatch = errors.New("ambiguous match")

	// ErrValidationRejected marks a destination conflict response. Logged
	// per item and surfaced for operator follow-up; not retried.
	ErrValidationRejected = errors.New("validation rejected")

	// ErrNotFound marks operations against an unknown job name.
	ErrNotFound = errors.New("not found")
)
