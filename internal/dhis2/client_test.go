// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package dhis2

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ssewanyana/dhisync/internal/config"
	"github.com/ssewanyana/dhisync/internal/models"
)

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://dhis.example.org", "https://dhis.example.org/api"},
		{"https://dhis.example.org/", "https://dhis.example.org/api"},
		{"https://dhis.example.org/api", "https://dhis.example.org/api"},
		{"https://dhis.example.org/instance/api/", "https://dhis.example.org/instance/api"},
		{"https://dhis.example.org/instance", "https://dhis.example.org/instance/api"},
	}

	for _, tt := range tests {
		if got := NormalizeBaseURL(tt.in); got != tt.want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(config.DestinationConfig{
		BaseURL:     srv.URL,
		Username:    "admin",
		Password:    "district",
		MaxInFlight: 4,
	})
	c.retryBaseDelay = time.Millisecond
	return c, srv
}

func TestClientBasicAuthAndPath(t *testing.T) {
	var gotPath, gotUser, gotPass string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		_ = json.NewEncoder(w).Encode(map[string]any{"organisationUnits": []models.OrgUnit{{ID: "ou1", Name: "Clinic"}}})
	}))

	units, err := c.GetOrgUnits(context.Background(), 3)
	if err != nil {
		t.Fatalf("GetOrgUnits: %v", err)
	}
	if gotPath != "/api/organisationUnits.json" {
		t.Errorf("path = %q, want /api/organisationUnits.json", gotPath)
	}
	if gotUser != "admin" || gotPass != "district" {
		t.Errorf("credentials = %q/%q", gotUser, gotPass)
	}
	if len(units) != 1 || units[0].ID != "ou1" {
		t.Errorf("unexpected units: %+v", units)
	}
}

func TestClientRetriesOn429(t *testing.T) {
	var attempts int
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"organisationUnits": []models.OrgUnit{}})
	}))

	if _, err := c.GetOrgUnits(context.Background(), 0); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClientStatusError(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"status":"ERROR"}`))
	}))

	_, err := c.PostEvents(context.Background(), []models.Event{{OrgUnit: "ou1", EventDate: "2024-01-01"}})
	if err == nil {
		t.Fatal("expected error")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if statusErr.Code != http.StatusConflict {
		t.Errorf("code = %d, want 409", statusErr.Code)
	}
	if !errors.Is(err, models.ErrRequestFailed) {
		t.Error("StatusError should unwrap to ErrRequestFailed")
	}
}

func TestQueryTrackedEntityIDs(t *testing.T) {
	var gotFilter string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFilter = r.URL.Query().Get("filter")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"trackedEntityInstances": []map[string]any{
				{"trackedEntityInstance": "tei1", "orgUnit": "ou1", "attributes": []any{}},
				{"trackedEntityInstance": "tei2", "orgUnit": "ou1", "attributes": []any{}},
			},
		})
	}))

	ids, err := c.QueryTrackedEntityIDs(context.Background(), "prog1", "attrA", []string{"A1", "B2"})
	if err != nil {
		t.Fatalf("QueryTrackedEntityIDs: %v", err)
	}
	if gotFilter != "attrA:IN:A1;B2" {
		t.Errorf("filter = %q", gotFilter)
	}
	if len(ids) != 2 || ids[0] != "tei1" || ids[1] != "tei2" {
		t.Errorf("ids = %v", ids)
	}
}

func TestPutEventValueAddressing(t *testing.T) {
	var gotMethod, gotPath string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "SUCCESS"})
	}))

	if _, err := c.PutEventValue(context.Background(), "ev1", "de1", "42"); err != nil {
		t.Fatalf("PutEventValue: %v", err)
	}
	if gotMethod != http.MethodPut {
		t.Errorf("method = %s, want PUT", gotMethod)
	}
	if gotPath != "/api/events/ev1/de1" {
		t.Errorf("path = %q, want /api/events/ev1/de1", gotPath)
	}
}
