// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ssewanyana/dhisync/internal/dhis2"
	"github.com/ssewanyana/dhisync/internal/models"
)

// fakeDest implements Destination with function hooks; unset hooks
// return empty results.
type fakeDest struct {
	queryIDs      func(attribute string, values []string) ([]string, error)
	getByIDs      func(ids []string) ([]models.TrackedEntity, error)
	eventsByDate  func(orgUnit, date string) (*dhis2.EventPage, error)
	eventsByValue func(dataElement string, values []string) ([]models.Event, error)

	idQueryChunks    [][]string
	valueQueryChunks [][]string
}

func (f *fakeDest) QueryTrackedEntityIDs(_ context.Context, _, attribute string, values []string) ([]string, error) {
	f.idQueryChunks = append(f.idQueryChunks, values)
	if f.queryIDs == nil {
		return nil, nil
	}
	return f.queryIDs(attribute, values)
}

func (f *fakeDest) GetTrackedEntitiesByIDs(_ context.Context, ids []string) ([]models.TrackedEntity, error) {
	if f.getByIDs == nil {
		return nil, nil
	}
	return f.getByIDs(ids)
}

func (f *fakeDest) QueryEventsByDate(_ context.Context, _, orgUnit, date string) (*dhis2.EventPage, error) {
	if f.eventsByDate == nil {
		return &dhis2.EventPage{}, nil
	}
	return f.eventsByDate(orgUnit, date)
}

func (f *fakeDest) QueryEventsByValues(_ context.Context, _, dataElement string, values []string) ([]models.Event, error) {
	f.valueQueryChunks = append(f.valueQueryChunks, values)
	if f.eventsByValue == nil {
		return nil, nil
	}
	return f.eventsByValue(dataElement, values)
}

func trackedMapping() models.Mapping {
	return models.Mapping{
		Program:           "prog1",
		ProgramStage:      "stage1",
		TrackedEntityType: "person",
		OrgUnitColumn:     "facility",
		UniqueColumn:      "patientID",
		UniqueAttribute:   "attrPID",
		Attributes: []models.FieldMap{
			{Column: "name", ID: "attrName"},
			{Column: "patientID", ID: "attrPID"},
		},
		DataElements: []models.FieldMap{
			{Column: "weight", ID: "deWeight"},
		},
		EventDateColumn: "visitDate",
	}
}

func testUnits() OrgUnitIndex {
	return NewOrgUnitIndex([]models.OrgUnit{
		{ID: "ou1", Name: "Clinic A", Code: "C-A"},
		{ID: "ou2", Name: "Clinic B"},
	})
}

func TestUniqueAttributeDuplicatesCollapse(t *testing.T) {
	dest := &fakeDest{}
	r := New(dest)

	records := []models.Record{
		{"patientID": "A1", "name": "First", "facility": "Clinic A", "visitDate": "2024-08-01"},
		{"patientID": "B2", "name": "Other", "facility": "Clinic A", "visitDate": "2024-08-01"},
		{"patientID": "A1", "name": "Last", "facility": "Clinic B", "visitDate": "2024-08-02"},
	}

	batch, err := r.Reconcile(context.Background(), trackedMapping(), records, testUnits())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(batch.NewEntities) != 2 {
		t.Fatalf("new entities = %d, want 2", len(batch.NewEntities))
	}
	if len(dest.idQueryChunks) != 1 || len(dest.idQueryChunks[0]) != 2 {
		t.Errorf("id query chunks = %v, want one chunk of 2 values", dest.idQueryChunks)
	}

	// A1 sorts first and carries the last occurrence's values.
	a1 := batch.NewEntities[0]
	if got := entityAttr(a1, "attrName"); got != "Last" {
		t.Errorf("A1 name = %q, want last-write value", got)
	}
	if a1.OrgUnit != "ou2" {
		t.Errorf("A1 org unit = %q, want ou2", a1.OrgUnit)
	}
	if len(a1.Enrollments) != 1 || len(a1.Enrollments[0].Events) != 1 {
		t.Fatalf("A1 should nest one enrollment with one event: %+v", a1.Enrollments)
	}
}

func TestUniqueAttributeHitBecomesUpdate(t *testing.T) {
	existing := models.TrackedEntity{
		TrackedEntityInstance: "tei1",
		OrgUnit:               "ou1",
		Attributes:            []models.Attribute{{Attribute: "attrPID", Value: "A1"}},
		Enrollments: []models.Enrollment{{
			Enrollment: "en1",
			Program:    "prog1",
			OrgUnit:    "ou1",
		}},
	}
	dest := &fakeDest{
		queryIDs: func(_ string, _ []string) ([]string, error) { return []string{"tei1"}, nil },
		getByIDs: func(_ []string) ([]models.TrackedEntity, error) { return []models.TrackedEntity{existing}, nil },
	}
	r := New(dest)

	records := []models.Record{
		{"patientID": "A1", "name": "Amina", "facility": "Clinic A", "visitDate": "2024-08-01", "weight": "65"},
	}
	batch, err := r.Reconcile(context.Background(), trackedMapping(), records, testUnits())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(batch.NewEntities) != 0 {
		t.Errorf("new entities = %d, want 0", len(batch.NewEntities))
	}
	if len(batch.EntityUpdates) != 1 || batch.EntityUpdates[0].TrackedEntityInstance != "tei1" {
		t.Fatalf("entity updates = %+v", batch.EntityUpdates)
	}
	if len(batch.NewEvents) != 1 {
		t.Fatalf("new events = %d, want 1", len(batch.NewEvents))
	}
	ev := batch.NewEvents[0]
	if ev.Enrollment != "en1" || ev.TrackedEntityInstance != "tei1" {
		t.Errorf("event routing = %+v", ev)
	}
	if ev.DataValueFor("deWeight") != "65" {
		t.Errorf("event data values = %+v", ev.DataValues)
	}
}

func TestUniqueAttributeAmbiguous(t *testing.T) {
	dest := &fakeDest{
		queryIDs: func(_ string, _ []string) ([]string, error) { return []string{"tei1", "tei2"}, nil },
		getByIDs: func(_ []string) ([]models.TrackedEntity, error) {
			return []models.TrackedEntity{
				{TrackedEntityInstance: "tei1", Attributes: []models.Attribute{{Attribute: "attrPID", Value: "A1"}}},
				{TrackedEntityInstance: "tei2", Attributes: []models.Attribute{{Attribute: "attrPID", Value: "A1"}}},
			}, nil
		},
	}
	r := New(dest)

	records := []models.Record{{"patientID": "A1", "facility": "Clinic A"}}
	batch, err := r.Reconcile(context.Background(), trackedMapping(), records, testUnits())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if batch.Ambiguous != 1 {
		t.Errorf("ambiguous = %d, want 1", batch.Ambiguous)
	}
	if len(batch.NewEntities)+len(batch.EntityUpdates) != 0 {
		t.Error("ambiguous record must produce no writes")
	}
}

func TestUniqueAttributeChunking(t *testing.T) {
	dest := &fakeDest{}
	r := New(dest)

	var records []models.Record
	for i := 0; i < 120; i++ {
		records = append(records, models.Record{
			"patientID": fmt.Sprintf("P%03d", i),
			"facility":  "Clinic A",
			"visitDate": "2024-08-01",
		})
	}

	if _, err := r.Reconcile(context.Background(), trackedMapping(), records, testUnits()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(dest.idQueryChunks) != 3 {
		t.Fatalf("chunks = %d, want 3 (50+50+20)", len(dest.idQueryChunks))
	}
	if len(dest.idQueryChunks[0]) != 50 || len(dest.idQueryChunks[2]) != 20 {
		t.Errorf("chunk sizes = %d,%d,%d", len(dest.idQueryChunks[0]), len(dest.idQueryChunks[1]), len(dest.idQueryChunks[2]))
	}
}

func TestEventDateMatching(t *testing.T) {
	mapping := models.Mapping{
		Program:             "prog1",
		ProgramStage:        "stage1",
		OrgUnitColumn:       "facility",
		EventDateColumn:     "visitDate",
		EventDateIdentifies: true,
		DataElements: []models.FieldMap{
			{Column: "weight", ID: "deWeight"},
			{Column: "height", ID: "deHeight"},
		},
	}

	dest := &fakeDest{
		eventsByDate: func(orgUnit, date string) (*dhis2.EventPage, error) {
			switch date {
			case "2024-08-01":
				return &dhis2.EventPage{
					Events: []models.Event{{
						Event:      "ev1",
						OrgUnit:    orgUnit,
						EventDate:  date,
						DataValues: []models.DataValue{{DataElement: "deWeight", Value: "60"}},
					}},
					Pager: &dhis2.Pager{Total: 1},
				}, nil
			case "2024-08-02":
				return &dhis2.EventPage{Pager: &dhis2.Pager{Total: 3}}, nil
			default:
				return &dhis2.EventPage{}, nil
			}
		},
	}
	r := New(dest)

	records := []models.Record{
		{"visitDate": "2024-08-01", "facility": "Clinic A", "weight": "65", "height": "170"},
		{"visitDate": "2024-08-02", "facility": "Clinic A", "weight": "70"},
		{"visitDate": "2024-08-03", "facility": "Clinic A", "weight": "80"},
		{"visitDate": "2024-08-04", "weight": "90"}, // no org unit
	}

	batch, err := r.Reconcile(context.Background(), mapping, records, testUnits())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	// 08-01: single hit, two changed fields updated individually.
	if len(batch.EventUpdates) != 2 {
		t.Fatalf("event updates = %+v, want 2", batch.EventUpdates)
	}
	if batch.EventUpdates[0].Event != "ev1" || batch.EventUpdates[0].DataElement != "deWeight" {
		t.Errorf("first update = %+v", batch.EventUpdates[0])
	}
	// 08-02: pager total 3 despite a one-event page.
	if batch.Ambiguous != 1 {
		t.Errorf("ambiguous = %d, want 1", batch.Ambiguous)
	}
	// 08-03: no hit.
	if len(batch.NewEvents) != 1 || batch.NewEvents[0].EventDate != "2024-08-03" {
		t.Errorf("new events = %+v", batch.NewEvents)
	}
	// 08-04: unresolvable org unit.
	if batch.Excluded != 1 {
		t.Errorf("excluded = %d, want 1", batch.Excluded)
	}
}

func TestCompositeMatching(t *testing.T) {
	mapping := models.Mapping{
		Program:         "prog1",
		ProgramStage:    "stage1",
		OrgUnitColumn:   "facility",
		EventDateColumn: "visitDate",
		DataElements: []models.FieldMap{
			{Column: "sampleID", ID: "deSample", Identifies: true},
			{Column: "result", ID: "deResult"},
		},
	}

	dest := &fakeDest{
		eventsByValue: func(_ string, _ []string) ([]models.Event, error) {
			return []models.Event{{
				Event:   "ev9",
				OrgUnit: "ou1",
				DataValues: []models.DataValue{
					{DataElement: "deSample", Value: "S1"},
					{DataElement: "deResult", Value: "NEG"},
				},
			}}, nil
		},
	}
	r := New(dest)

	records := []models.Record{
		{"sampleID": "S1", "result": "POS", "facility": "Clinic A", "visitDate": "2024-08-01"},
		{"sampleID": "S2", "result": "NEG", "facility": "Clinic A", "visitDate": "2024-08-01"},
		{"result": "POS", "facility": "Clinic A"}, // missing identifying value
	}

	batch, err := r.Reconcile(context.Background(), mapping, records, testUnits())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if batch.Excluded != 1 {
		t.Errorf("excluded = %d, want 1", batch.Excluded)
	}
	if len(batch.EventUpdates) != 1 || batch.EventUpdates[0].Event != "ev9" || batch.EventUpdates[0].DataElement != "deResult" {
		t.Errorf("event updates = %+v", batch.EventUpdates)
	}
	if len(batch.NewEvents) != 1 || batch.NewEvents[0].DataValueFor("deSample") != "S2" {
		t.Errorf("new events = %+v", batch.NewEvents)
	}
}

func TestEventDateDuplicatePairCollapses(t *testing.T) {
	mapping := models.Mapping{
		Program:             "prog1",
		ProgramStage:        "stage1",
		OrgUnitColumn:       "facility",
		EventDateColumn:     "visitDate",
		EventDateIdentifies: true,
		DataElements:        []models.FieldMap{{Column: "weight", ID: "deWeight"}},
	}

	var queries int
	dest := &fakeDest{
		eventsByDate: func(_, _ string) (*dhis2.EventPage, error) {
			queries++
			return &dhis2.EventPage{}, nil
		},
	}
	r := New(dest)

	records := []models.Record{
		{"visitDate": "2024-08-01", "facility": "Clinic A", "weight": "60"},
		{"visitDate": "2024-08-01", "facility": "Clinic A", "weight": "65"},
	}

	batch, err := r.Reconcile(context.Background(), mapping, records, testUnits())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(batch.NewEvents) != 1 {
		t.Fatalf("new events = %d, want 1 (duplicate pair collapses)", len(batch.NewEvents))
	}
	if batch.Ambiguous != 0 {
		t.Errorf("ambiguous = %d, want 0", batch.Ambiguous)
	}
	if queries != 1 {
		t.Errorf("date queries = %d, want 1", queries)
	}
	if got := batch.NewEvents[0].DataValueFor("deWeight"); got != "65" {
		t.Errorf("event weight = %q, want last-write value", got)
	}
}

func TestCompositeWithDateIdentifying(t *testing.T) {
	mapping := models.Mapping{
		Program:             "prog1",
		ProgramStage:        "stage1",
		OrgUnitColumn:       "facility",
		EventDateColumn:     "visitDate",
		EventDateIdentifies: true,
		DataElements: []models.FieldMap{
			{Column: "sampleID", ID: "deSample", Identifies: true},
			{Column: "result", ID: "deResult"},
		},
	}

	dest := &fakeDest{
		eventsByValue: func(_ string, _ []string) ([]models.Event, error) {
			return []models.Event{{
				Event:     "ev9",
				OrgUnit:   "ou1",
				EventDate: "2024-03-01T00:00:00.000",
				DataValues: []models.DataValue{
					{DataElement: "deSample", Value: "S1"},
					{DataElement: "deResult", Value: "NEG"},
				},
			}}, nil
		},
	}
	r := New(dest)

	// Same visit date and facility, distinct sample IDs: the records key
	// on fields plus date plus org unit and stay distinct.
	records := []models.Record{
		{"sampleID": "S1", "result": "POS", "facility": "Clinic A", "visitDate": "2024-03-01"},
		{"sampleID": "S2", "result": "NEG", "facility": "Clinic A", "visitDate": "2024-03-01"},
		{"sampleID": "S1", "result": "POS", "facility": "Clinic A", "visitDate": "2024-03-05"},
	}

	batch, err := r.Reconcile(context.Background(), mapping, records, testUnits())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if batch.Ambiguous != 0 {
		t.Errorf("ambiguous = %d, want 0", batch.Ambiguous)
	}
	if batch.Excluded != 0 {
		t.Errorf("excluded = %d, want 0", batch.Excluded)
	}
	// S1 on 03-01 hits ev9; S2 same day and S1 on 03-05 are both new.
	if len(batch.EventUpdates) != 1 || batch.EventUpdates[0].Event != "ev9" || batch.EventUpdates[0].Value != "POS" {
		t.Fatalf("event updates = %+v", batch.EventUpdates)
	}
	if len(batch.NewEvents) != 2 {
		t.Fatalf("new events = %+v, want 2", batch.NewEvents)
	}
	seen := map[string]string{}
	for _, ev := range batch.NewEvents {
		seen[ev.DataValueFor("deSample")+"|"+ev.EventDate] = ev.Event
	}
	if _, ok := seen["S2|2024-03-01"]; !ok {
		t.Errorf("missing new event for S2 on 2024-03-01: %+v", batch.NewEvents)
	}
	if _, ok := seen["S1|2024-03-05"]; !ok {
		t.Errorf("missing new event for S1 on 2024-03-05: %+v", batch.NewEvents)
	}
}

func TestCompositeDeterministicOrder(t *testing.T) {
	mapping := models.Mapping{
		Program:       "prog1",
		OrgUnitColumn: "facility",
		DataElements:  []models.FieldMap{{Column: "sampleID", ID: "deSample", Identifies: true}},
	}
	records := []models.Record{
		{"sampleID": "Z9", "facility": "Clinic A"},
		{"sampleID": "A1", "facility": "Clinic A"},
		{"sampleID": "M5", "facility": "Clinic A"},
	}

	r := New(&fakeDest{})
	first, err := r.Reconcile(context.Background(), mapping, records, testUnits())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	second, err := r.Reconcile(context.Background(), mapping, records, testUnits())
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if len(first.NewEvents) != 3 || len(second.NewEvents) != 3 {
		t.Fatalf("new events = %d/%d, want 3/3", len(first.NewEvents), len(second.NewEvents))
	}
	for i := range first.NewEvents {
		if first.NewEvents[i].DataValueFor("deSample") != second.NewEvents[i].DataValueFor("deSample") {
			t.Fatal("reconciliation order differs between identical runs")
		}
	}
	if first.NewEvents[0].DataValueFor("deSample") != "A1" {
		t.Errorf("first event = %+v, want sorted key order", first.NewEvents[0])
	}
}

func TestNoStrategyConfigured(t *testing.T) {
	r := New(&fakeDest{})
	_, err := r.Reconcile(context.Background(), models.Mapping{}, nil, nil)
	if !errors.Is(err, models.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func entityAttr(te models.TrackedEntity, id string) string {
	return te.AttributeValue(id)
}
