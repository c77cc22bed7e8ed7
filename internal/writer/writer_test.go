// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package writer

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ssewanyana/dhisync/internal/dhis2"
	"github.com/ssewanyana/dhisync/internal/models"
)

// fakeDest counts calls and lets tests script per-chunk results.
type fakeDest struct {
	postEvents   func(chunk int, events []models.Event) (*models.ImportResponse, error)
	putValue     func(event, dataElement string) (*models.ImportResponse, error)
	eventChunks  int
	putCalls     atomic.Int32
	dvsChunks    []int
	regChunks    []int
	entityChunks []int
}

func okResponse() *models.ImportResponse {
	return &models.ImportResponse{Status: "SUCCESS", ImportCount: models.ImportCount{Imported: 1}}
}

func (f *fakeDest) PostTrackedEntities(_ context.Context, entities []models.TrackedEntity) (*models.ImportResponse, error) {
	f.entityChunks = append(f.entityChunks, len(entities))
	return okResponse(), nil
}

func (f *fakeDest) UpdateTrackedEntity(_ context.Context, _ string, _ models.TrackedEntity) (*models.ImportResponse, error) {
	return okResponse(), nil
}

func (f *fakeDest) PostEnrollments(_ context.Context, _ []models.Enrollment) (*models.ImportResponse, error) {
	return okResponse(), nil
}

func (f *fakeDest) PostEvents(_ context.Context, events []models.Event) (*models.ImportResponse, error) {
	f.eventChunks++
	if f.postEvents != nil {
		return f.postEvents(f.eventChunks, events)
	}
	return okResponse(), nil
}

func (f *fakeDest) PutEventValue(_ context.Context, event, dataElement string, _ any) (*models.ImportResponse, error) {
	f.putCalls.Add(1)
	if f.putValue != nil {
		return f.putValue(event, dataElement)
	}
	return okResponse(), nil
}

func (f *fakeDest) PostDataValueSet(_ context.Context, set models.DataValueSet) (*models.ImportResponse, error) {
	f.dvsChunks = append(f.dvsChunks, len(set.DataValues))
	return okResponse(), nil
}

func (f *fakeDest) PostCompleteRegistrations(_ context.Context, regs []models.CompleteRegistration) (*models.ImportResponse, error) {
	f.regChunks = append(f.regChunks, len(regs))
	return okResponse(), nil
}

func TestWriteEventsChunkingContinuesPastServerError(t *testing.T) {
	dest := &fakeDest{
		postEvents: func(chunk int, _ []models.Event) (*models.ImportResponse, error) {
			if chunk == 2 {
				return nil, &dhis2.StatusError{Code: 500, Body: []byte("Internal Server Error")}
			}
			return okResponse(), nil
		},
	}
	w := New(dest, 4)

	events := make([]models.Event, 620)
	for i := range events {
		events[i] = models.Event{OrgUnit: "ou1", EventDate: "2024-08-01"}
	}

	outcomes := w.WriteBatch(context.Background(), "job1", &models.ReconciledBatch{NewEvents: events})

	if dest.eventChunks != 3 {
		t.Fatalf("event chunks = %d, want 3 (250+250+120)", dest.eventChunks)
	}
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	if outcomes[0].Class != models.OutcomeSuccess || outcomes[2].Class != models.OutcomeSuccess {
		t.Errorf("outer chunks should succeed: %+v", outcomes)
	}
	if outcomes[1].Class != models.OutcomeServerError {
		t.Errorf("middle chunk class = %s, want server_error", outcomes[1].Class)
	}
	if outcomes[1].Raw != "Internal Server Error" {
		t.Errorf("middle chunk raw = %q", outcomes[1].Raw)
	}
}

func TestWriteEventUpdatesFanOut(t *testing.T) {
	dest := &fakeDest{}
	w := New(dest, 3)

	updates := make([]models.EventFieldUpdate, 10)
	for i := range updates {
		updates[i] = models.EventFieldUpdate{Event: fmt.Sprintf("ev%d", i), DataElement: "de1", Value: i}
	}

	outcomes := w.WriteBatch(context.Background(), "job1", &models.ReconciledBatch{EventUpdates: updates})

	if got := dest.putCalls.Load(); got != 10 {
		t.Errorf("put calls = %d, want 10", got)
	}
	if len(outcomes) != 10 {
		t.Errorf("outcomes = %d, want 10", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Chunk != i+1 {
			t.Fatalf("outcome %d out of order: %+v", i, o)
		}
	}
}

func TestWriteEventUpdatesContinuesPastFailure(t *testing.T) {
	dest := &fakeDest{
		putValue: func(event, _ string) (*models.ImportResponse, error) {
			if event == "ev1" {
				return nil, &dhis2.StatusError{Code: 409, Body: []byte(`{"status":"ERROR","conflicts":[{"object":"de1","value":"value_not_numeric"}]}`)}
			}
			return okResponse(), nil
		},
	}
	w := New(dest, 2)

	updates := []models.EventFieldUpdate{
		{Event: "ev0", DataElement: "de1", Value: "1"},
		{Event: "ev1", DataElement: "de1", Value: "x"},
		{Event: "ev2", DataElement: "de1", Value: "3"},
	}
	outcomes := w.WriteBatch(context.Background(), "job1", &models.ReconciledBatch{EventUpdates: updates})

	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d, want 3", len(outcomes))
	}
	if outcomes[1].Class != models.OutcomeConflict {
		t.Errorf("failed update class = %s", outcomes[1].Class)
	}
	if len(outcomes[1].Conflicts) != 1 || outcomes[1].Conflicts[0].Value != "value_not_numeric" {
		t.Errorf("conflicts = %+v", outcomes[1].Conflicts)
	}
	if outcomes[0].Class != models.OutcomeSuccess || outcomes[2].Class != models.OutcomeSuccess {
		t.Error("surrounding updates should still run")
	}
}

func TestWriteDataValueSetChunking(t *testing.T) {
	dest := &fakeDest{}
	w := New(dest, 4)

	set := models.DataValueSet{DataSet: "ds1", Period: "202408", OrgUnit: "ou1"}
	for i := 0; i < 300; i++ {
		set.DataValues = append(set.DataValues, models.DataValueSetValue{DataElement: "de1", Value: "1"})
	}

	outcomes := w.WriteDataValueSet(context.Background(), "job1", set)
	if len(dest.dvsChunks) != 2 || dest.dvsChunks[0] != 250 || dest.dvsChunks[1] != 50 {
		t.Errorf("chunks = %v, want [250 50]", dest.dvsChunks)
	}
	if len(outcomes) != 2 {
		t.Errorf("outcomes = %d, want 2", len(outcomes))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		resp      *models.ImportResponse
		err       error
		wantClass string
	}{
		{
			"success counts",
			&models.ImportResponse{Status: "SUCCESS", ImportCount: models.ImportCount{Imported: 5, Updated: 2}},
			nil,
			models.OutcomeSuccess,
		},
		{
			"success with ignores downgraded",
			&models.ImportResponse{Status: "SUCCESS", ImportCount: models.ImportCount{Imported: 4, Ignored: 1}},
			nil,
			models.OutcomeWarning,
		},
		{
			"warning status",
			&models.ImportResponse{Status: "WARNING"},
			nil,
			models.OutcomeWarning,
		},
		{
			"tracker nested summaries",
			&models.ImportResponse{Status: "OK", Response: &models.ImportSummaries{
				ImportSummaries: []models.ImportSummary{{Status: "SUCCESS", ImportCount: models.ImportCount{Imported: 3}}},
			}},
			nil,
			models.OutcomeSuccess,
		},
		{
			"unknown status",
			&models.ImportResponse{Status: "PENDING", Message: "queued"},
			nil,
			models.OutcomeUnclassified,
		},
		{
			"transport error",
			nil,
			fmt.Errorf("dial tcp: connection refused"),
			models.OutcomeUnclassified,
		},
		{
			"conflict body without structure",
			nil,
			&dhis2.StatusError{Code: 409, Body: []byte("not json")},
			models.OutcomeConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := Classify(1, tt.resp, tt.err)
			if outcome.Class != tt.wantClass {
				t.Errorf("class = %s, want %s", outcome.Class, tt.wantClass)
			}
		})
	}
}

func TestClassifyNestedCounts(t *testing.T) {
	resp := &models.ImportResponse{Status: "SUCCESS", Response: &models.ImportSummaries{
		ImportSummaries: []models.ImportSummary{
			{ImportCount: models.ImportCount{Imported: 2}},
			{ImportCount: models.ImportCount{Updated: 1}},
		},
	}}
	outcome := Classify(1, resp, nil)
	if outcome.Imported != 2 || outcome.Updated != 1 {
		t.Errorf("counts = %+v", outcome)
	}
}
