// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

/*
Package models defines the shared data structures of the engine.

Key types:

  - JobDefinition: one scheduled sync job and its Mapping, the
    source-to-destination field correspondence.
  - Record: a flattened source row, the unit every pipeline operates on.
  - Window: a resolved incremental time window for one fire.
  - RunState: per-job completion and next-fire bookkeeping.
  - Batch and SubmissionOutcome: reconciled destination payloads and the
    classified result of submitting them.

Sentinel errors (ErrUnreachable, ErrConfiguration, ErrNotFound) are
matched with errors.Is across package boundaries.

The package has no behavior beyond small convenience methods; it exists
so the pipelines, the scheduler, the store, and the API agree on one set
of types.
*/
package models
