// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ssewanyana/dhisync/internal/dhis2"
	"github.com/ssewanyana/dhisync/internal/models"
	"github.com/ssewanyana/dhisync/internal/pipeline"
	"github.com/ssewanyana/dhisync/internal/scheduler"
	"github.com/ssewanyana/dhisync/internal/source"
	"github.com/ssewanyana/dhisync/internal/store"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, models.JobDefinition, models.Window) error { return nil }

type stubDest struct {
	getResult  string
	getErr     error
	attributes []dhis2.ProgramAttribute
	lastPath   string
	lastParams url.Values
}

func (d *stubDest) Get(_ context.Context, path string, params url.Values, result any) error {
	d.lastPath = path
	d.lastParams = params
	if d.getErr != nil {
		return d.getErr
	}
	return json.Unmarshal([]byte(d.getResult), result)
}

func (d *stubDest) GetProgramAttributes(_ context.Context, _ string) ([]dhis2.ProgramAttribute, error) {
	return d.attributes, nil
}

func testRouter(t *testing.T) (http.Handler, *scheduler.Scheduler, *stubDest) {
	t.Helper()

	tracker := scheduler.NewTracker()
	runners := map[string]scheduler.Runner{
		models.JobTypeTrackedEntity:   noopRunner{},
		models.JobTypeAggregate:       noopRunner{},
		models.JobTypeAttributeExport: noopRunner{},
	}
	sched, err := scheduler.New(scheduler.DefaultConfig(), tracker, runners)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(sched.Stop)

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	dest := &stubDest{}
	h := NewHandlers(sched, st, dest, nil, source.NewFetcher(), "test")
	return NewRouter(h, RouterConfig{}), sched, dest
}

func trackedJobBody() []byte {
	def := models.JobDefinition{
		Name:    "daily-patients",
		Cadence: "Daily",
		JobType: models.JobTypeTrackedEntity,
		Mapping: models.Mapping{
			SourceURL:       "http://source.example.org/patients",
			Program:         "prog1",
			UniqueColumn:    "patientID",
			UniqueAttribute: "attrPID",
		},
	}
	body, _ := json.Marshal(def)
	return body
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp
}

func TestScheduleCRUD(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/schedules", bytes.NewReader(trackedJobBody())))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d, want 201: %s", rec.Code, rec.Body.String())
	}
	if resp := decodeEnvelope(t, rec); !resp.Success {
		t.Fatalf("create: success=false")
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/schedules", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: got %d", rec.Code)
	}
	var listResp struct {
		Data []models.JobDefinition `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(listResp.Data) != 1 || listResp.Data[0].Name != "daily-patients" {
		t.Fatalf("list: got %+v", listResp.Data)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/schedules/daily-patients", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got %d", rec.Code)
	}

	update := trackedJobBody()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("PUT", "/schedules/daily-patients", bytes.NewReader(update)))
	if rec.Code != http.StatusOK {
		t.Fatalf("update: got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("DELETE", "/schedules/daily-patients", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/schedules/daily-patients", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d", rec.Code)
	}
}

func TestCreateScheduleRejectsInvalidDefinition(t *testing.T) {
	router, _, _ := testRouter(t)

	var def models.JobDefinition
	_ = json.Unmarshal(trackedJobBody(), &def)
	def.Mapping.UniqueAttribute = ""
	body, _ := json.Marshal(def)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/schedules", bytes.NewReader(body)))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("got %d, want 422: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error == nil || resp.Error.Code != ErrCodeValidation {
		t.Fatalf("error = %+v, want %s", resp.Error, ErrCodeValidation)
	}
}

func TestCreateScheduleRejectsBadJSON(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/schedules", bytes.NewReader([]byte("{not json"))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestStopSchedule(t *testing.T) {
	router, sched, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/schedules", bytes.NewReader(trackedJobBody())))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/stop", bytes.NewReader([]byte(`{"name":"daily-patients"}`))))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: got %d: %s", rec.Code, rec.Body.String())
	}

	def, err := sched.Get("daily-patients")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !def.Paused {
		t.Fatalf("definition not paused after /stop")
	}
}

func TestStopUnknownSchedule(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/stop", bytes.NewReader([]byte(`{"name":"ghost"}`))))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestRunScheduleNotFound(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/schedules/ghost/run", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", rec.Code)
	}
}

func TestQueryPassthrough(t *testing.T) {
	router, _, dest := testRouter(t)
	dest.getResult = `{"organisationUnits":[{"id":"ou1"}]}`

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/query?path=organisationUnits&level=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	if dest.lastPath != "organisationUnits" {
		t.Fatalf("path = %q", dest.lastPath)
	}
	if dest.lastParams.Get("level") != "2" {
		t.Fatalf("level param not forwarded: %v", dest.lastParams)
	}
	if dest.lastParams.Has("path") {
		t.Fatalf("path param leaked into upstream query")
	}
}

func TestQueryRequiresPath(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/query", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestAttributes(t *testing.T) {
	router, _, dest := testRouter(t)
	dest.attributes = []dhis2.ProgramAttribute{{ID: "attr1", Name: "Patient ID", Unique: true}}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/attributes?program=prog1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var resp struct {
		Data []dhis2.ProgramAttribute `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Name != "Patient ID" {
		t.Fatalf("got %+v", resp.Data)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/attributes", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing program: got %d, want 400", rec.Code)
	}
}

type stubExporter struct {
	job  models.JobDefinition
	opts pipeline.ExportOptions
}

func (s *stubExporter) Export(_ context.Context, job models.JobDefinition, opts pipeline.ExportOptions) ([]models.Record, []models.SubmissionOutcome, error) {
	s.job = job
	s.opts = opts
	return []models.Record{{"Patient ID": "A1"}},
		[]models.SubmissionOutcome{{Chunk: 1, Class: models.OutcomeSuccess}}, nil
}

func TestManualThreadsOverrides(t *testing.T) {
	tracker := scheduler.NewTracker()
	runners := map[string]scheduler.Runner{
		models.JobTypeTrackedEntity:   noopRunner{},
		models.JobTypeAggregate:       noopRunner{},
		models.JobTypeAttributeExport: noopRunner{},
	}
	sched, err := scheduler.New(scheduler.DefaultConfig(), tracker, runners)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(sched.Stop)

	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	exporter := &stubExporter{}
	h := NewHandlers(sched, st, &stubDest{}, exporter, source.NewFetcher(), "test")
	router := NewRouter(h, RouterConfig{})

	def := models.JobDefinition{
		Name:    "weekly-export",
		Cadence: "Weekly",
		JobType: models.JobTypeAttributeExport,
		Mapping: models.Mapping{Program: "prog1"},
	}
	body, _ := json.Marshal(def)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/schedules", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rec.Code, rec.Body.String())
	}

	manual := []byte(`{"name":"weekly-export","program":"progOther","upstream":"http://upstream.example.org/ingest","lastUpdatedDuration":"30d"}`)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/manual", bytes.NewReader(manual)))
	if rec.Code != http.StatusOK {
		t.Fatalf("manual: got %d: %s", rec.Code, rec.Body.String())
	}

	if exporter.job.Name != "weekly-export" {
		t.Fatalf("exporter ran job %q", exporter.job.Name)
	}
	want := pipeline.ExportOptions{
		Program:             "progOther",
		UpstreamURL:         "http://upstream.example.org/ingest",
		LastUpdatedDuration: "30d",
	}
	if exporter.opts != want {
		t.Fatalf("options = %+v, want %+v", exporter.opts, want)
	}

	var resp struct {
		Data struct {
			Records  []models.Record            `json:"records"`
			Outcomes []models.SubmissionOutcome `json:"outcomes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(resp.Data.Records) != 1 || len(resp.Data.Outcomes) != 1 {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("response missing request ID header")
	}
}

func TestInfoJoinsRunState(t *testing.T) {
	router, _, _ := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/schedules", bytes.NewReader(trackedJobBody())))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got %d", rec.Code)
	}

	type infoData struct {
		Version   string `json:"version"`
		Schedules []struct {
			Name       string `json:"name"`
			NextFireAt string `json:"nextFireAt"`
		} `json:"schedules"`
	}

	// The trigger loop records the next fire time asynchronously.
	var data infoData
	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/info", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("info: got %d", rec.Code)
		}
		var resp struct {
			Data infoData `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		data = resp.Data
		if len(data.Schedules) == 1 && data.Schedules[0].NextFireAt != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("next fire time never recorded: %+v", data.Schedules)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if data.Version != "test" {
		t.Fatalf("version = %q", data.Version)
	}
	if data.Schedules[0].Name != "daily-patients" {
		t.Fatalf("schedules = %+v", data.Schedules)
	}
}
