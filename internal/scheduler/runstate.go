// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package scheduler

import (
	"sync"
	"time"

	"github.com/ssewanyana/dhisync/internal/models"
)

// Tracker is the incremental window tracker: process-wide run state, one
// entry per job name. It is owned by the Scheduler; pipelines receive
// resolved windows, never the tracker itself. Each job's entry is only
// written by that job's own fire, so a single lock over the map suffices.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]models.RunState

	// persist, when set, is invoked with every state change so run state
	// survives a restart. Called outside the lock.
	persist func(jobName string, st models.RunState)
}

// NewTracker creates an empty run-state tracker.
func NewTracker() *Tracker {
	return &Tracker{states: make(map[string]models.RunState)}
}

// SetPersist installs the persistence hook. Call before the scheduler
// starts firing.
func (t *Tracker) SetPersist(fn func(jobName string, st models.RunState)) {
	t.persist = fn
}

// Seed loads previously persisted run states. Existing entries are
// overwritten; call once at startup.
func (t *Tracker) Seed(states map[string]models.RunState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, st := range states {
		t.states[name] = st
	}
}

// RecordCompletion stores the completion timestamp for the job. Called
// unconditionally at the end of every fire; never rolled back.
func (t *Tracker) RecordCompletion(jobName string, at time.Time) {
	t.mu.Lock()
	st := t.states[jobName]
	st.LastCompletedAt = at
	t.states[jobName] = st
	t.mu.Unlock()

	if t.persist != nil {
		t.persist(jobName, st)
	}
}

// RecordNextFire stores the next scheduled fire time for the job.
func (t *Tracker) RecordNextFire(jobName string, at time.Time) {
	t.mu.Lock()
	st := t.states[jobName]
	st.NextFireAt = at
	t.states[jobName] = st
	t.mu.Unlock()

	if t.persist != nil {
		t.persist(jobName, st)
	}
}

// State returns the job's run state and whether an entry exists.
func (t *Tracker) State(jobName string) (models.RunState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[jobName]
	return st, ok
}

// Delete removes the job's run state.
func (t *Tracker) Delete(jobName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, jobName)
}

// Snapshot returns a copy of all run states, for the info endpoint.
func (t *Tracker) Snapshot() map[string]models.RunState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]models.RunState, len(t.states))
	for name, st := range t.states {
		out[name] = st
	}
	return out
}

// WindowFor resolves the incremental window for a fire. The policy is
// evaluated in order:
//
//  1. A prior completion exists and the mapping declares both period
//     params: window = [previous completion, now]. Continuity beats
//     static configuration so a job catches up exactly once per elapsed
//     interval.
//  2. Both explicit bounds supplied: window = [start, end] as given.
//  3. Only start supplied: lower-bounded, upper side open.
//  4. Only end supplied: upper-bounded, lower side open.
//  5. Otherwise no time filtering.
//
// The result is a pure function of (previous completion, explicit start,
// explicit end, now).
func (t *Tracker) WindowFor(jobName string, hasPeriodParams bool, explicitStart, explicitEnd string, now time.Time) models.Window {
	t.mu.RLock()
	st, ok := t.states[jobName]
	t.mu.RUnlock()

	if ok && !st.LastCompletedAt.IsZero() && hasPeriodParams {
		return models.Window{
			Start: st.LastCompletedAt.Format(models.TimestampLayout),
			End:   now.Format(models.TimestampLayout),
		}
	}
	if explicitStart != "" && explicitEnd != "" {
		return models.Window{Start: explicitStart, End: explicitEnd}
	}
	if explicitStart != "" {
		return models.Window{Start: explicitStart}
	}
	if explicitEnd != "" {
		return models.Window{End: explicitEnd}
	}
	return models.Window{}
}
