// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package dhis2 is the destination API client: basic-auth HTTP with
// /api path normalization, request rate limiting, automatic HTTP 429
// backoff, and a circuit breaker wrapper for pipeline use.
package dhis2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/ssewanyana/dhisync/internal/config"
	"github.com/ssewanyana/dhisync/internal/metrics"
	"github.com/ssewanyana/dhisync/internal/models"
)

// maxErrorBodySize limits how much of an error response body is retained
// for diagnostics.
const maxErrorBodySize = 64 * 1024 // 64KB

// readBodyForError reads at most maxErrorBodySize bytes of a response
// body for error reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("\n... (truncated)")...)
	}
	return body
}

// StatusError is a non-2xx destination response. The status code and raw
// body are retained so the batch writer can classify 409 conflict and 500
// server-error shapes.
type StatusError struct {
	Code int
	Body []byte
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("destination returned status %d: %s", e.Code, string(e.Body))
}

// Unwrap ties every StatusError into the RequestFailed taxonomy.
func (e *StatusError) Unwrap() error {
	return models.ErrRequestFailed
}

// NormalizeBaseURL ensures the destination base URL addresses the DHIS2
// web API: when the configured URL's path does not already contain /api,
// it is appended.
func NormalizeBaseURL(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if strings.Contains(u.Path, "/api") {
		return trimmed
	}
	return trimmed + "/api"
}

// Client is the low-level DHIS2 API client.
//
// Thread safety: safe for concurrent use; each request builds its own
// http.Request and the limiter serializes admission.
type Client struct {
	baseURL        string
	username       string
	password       string
	client         *http.Client
	limiter        *rate.Limiter
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewClient creates a destination client from configuration. The client
// uses a 30-second request timeout, retries HTTP 429 up to 5 times with
// exponential backoff (1s, 2s, 4s, 8s, 16s) honoring Retry-After, and
// paces requests with a token bucket at the configured rate.
func NewClient(cfg config.DestinationConfig) *Client {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	return &Client{
		baseURL:        NormalizeBaseURL(cfg.BaseURL),
		username:       cfg.Username,
		password:       cfg.Password,
		client:         &http.Client{Timeout: 30 * time.Second},
		limiter:        rate.NewLimiter(limit, cfg.MaxInFlight),
		maxRetries:     5,
		retryBaseDelay: 1 * time.Second,
	}
}

// BaseURL returns the normalized destination base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// do performs one destination request with rate limiting and 429 backoff,
// decoding a JSON response into result when non-nil. A non-2xx response
// is returned as *StatusError.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqURL := c.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var reader io.Reader = http.NoBody
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		if err != nil {
			metrics.DestinationRequestDuration.WithLabelValues(method, "error").Observe(time.Since(start).Seconds())
			return fmt.Errorf("%w: %s %s: %v", models.ErrRequestFailed, method, path, err)
		}
		metrics.DestinationRequestDuration.WithLabelValues(method, resp.Status).Observe(time.Since(start).Seconds())

		if resp.StatusCode != http.StatusTooManyRequests {
			return c.finish(resp, result)
		}

		// Rate limited: close body and retry with backoff.
		_ = resp.Body.Close()
		if attempt == c.maxRetries {
			lastErr = fmt.Errorf("%w: rate limit exceeded after %d retries (HTTP 429)", models.ErrRequestFailed, c.maxRetries)
			break
		}

		delay := c.retryBaseDelay * time.Duration(1<<uint(attempt))
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
				delay = seconds
			}
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}

// finish checks the response status and decodes the body into result.
func (c *Client) finish(resp *http.Response, result any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: readBodyForError(resp.Body)}
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// Get issues a raw GET against the destination API, for the passthrough
// query surface.
func (c *Client) Get(ctx context.Context, path string, params url.Values, result any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, result)
}

// Pager is the destination's paging envelope.
type Pager struct {
	Page      int    `json:"page"`
	PageCount int    `json:"pageCount"`
	Total     int    `json:"total"`
	PageSize  int    `json:"pageSize"`
	NextPage  string `json:"nextPage,omitempty"`
}

// TrackedEntityPage is one page of tracked entities.
type TrackedEntityPage struct {
	TrackedEntityInstances []models.TrackedEntity `json:"trackedEntityInstances"`
	Pager                  *Pager                 `json:"pager,omitempty"`
}

type eventsResponse struct {
	Events []models.Event `json:"events"`
}

// EventPage is one page of events plus the pager. The date-match query
// pulls a single event per page; the pager's total is what decides
// between a clean hit and an ambiguous one.
type EventPage struct {
	Events []models.Event `json:"events"`
	Pager  *Pager         `json:"pager,omitempty"`
}

// Total returns the reported match count, falling back to the page's own
// length when the destination omits the pager.
func (p *EventPage) Total() int {
	if p.Pager != nil && p.Pager.Total > 0 {
		return p.Pager.Total
	}
	return len(p.Events)
}

type orgUnitsResponse struct {
	OrganisationUnits []models.OrgUnit `json:"organisationUnits"`
}

// AnalyticsTable is the destination's headers/rows analytics shape.
type AnalyticsTable struct {
	Headers []AnalyticsHeader `json:"headers"`
	Rows    [][]any           `json:"rows"`
}

// AnalyticsHeader names one analytics column.
type AnalyticsHeader struct {
	Name   string `json:"name"`
	Column string `json:"column,omitempty"`
}

// ProgramAttribute is one program tracked-entity attribute row.
type ProgramAttribute struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ValueType string `json:"valueType,omitempty"`
	Unique    bool   `json:"unique,omitempty"`
}

type programAttributesResponse struct {
	ProgramTrackedEntityAttributes []struct {
		TrackedEntityAttribute ProgramAttribute `json:"trackedEntityAttribute"`
	} `json:"programTrackedEntityAttributes"`
}

// QueryTrackedEntityIDs runs phase one of unique-attribute matching: an
// attribute IN filter returning only instance identifiers.
func (c *Client) QueryTrackedEntityIDs(ctx context.Context, program, attribute string, values []string) ([]string, error) {
	params := url.Values{}
	params.Set("ouMode", "ACCESSIBLE")
	params.Set("program", program)
	params.Set("filter", fmt.Sprintf("%s:IN:%s", attribute, strings.Join(values, ";")))
	params.Set("fields", "trackedEntityInstance")
	params.Set("skipPaging", "true")

	var page TrackedEntityPage
	if err := c.do(ctx, http.MethodGet, "/trackedEntityInstances.json", params, nil, &page); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(page.TrackedEntityInstances))
	for _, te := range page.TrackedEntityInstances {
		if te.TrackedEntityInstance != "" {
			ids = append(ids, te.TrackedEntityInstance)
		}
	}
	return ids, nil
}

// GetTrackedEntitiesByIDs runs phase two of unique-attribute matching:
// re-fetch full entities, enrollments and events included, by instance ID.
func (c *Client) GetTrackedEntitiesByIDs(ctx context.Context, ids []string) ([]models.TrackedEntity, error) {
	params := url.Values{}
	params.Set("trackedEntityInstance", strings.Join(ids, ";"))
	params.Set("fields", "trackedEntityInstance,trackedEntityType,orgUnit,attributes[attribute,value],enrollments[enrollment,program,orgUnit,enrollmentDate,events[event,programStage,orgUnit,eventDate,dataValues[dataElement,value]]]")
	params.Set("skipPaging", "true")

	var page TrackedEntityPage
	if err := c.do(ctx, http.MethodGet, "/trackedEntityInstances.json", params, nil, &page); err != nil {
		return nil, err
	}
	return page.TrackedEntityInstances, nil
}

// GetTrackedEntitiesPage fetches one page of tracked entities with
// caller-supplied params, for the attribute-export paginator.
func (c *Client) GetTrackedEntitiesPage(ctx context.Context, params url.Values) (*TrackedEntityPage, error) {
	var page TrackedEntityPage
	if err := c.do(ctx, http.MethodGet, "/trackedEntityInstances.json", params, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// QueryEventsByDate queries existing events by program, org unit and
// exact event date, page size 1 per the event-date matching contract.
func (c *Client) QueryEventsByDate(ctx context.Context, program, orgUnit, date string) (*EventPage, error) {
	params := url.Values{}
	params.Set("program", program)
	params.Set("orgUnit", orgUnit)
	params.Set("startDate", date)
	params.Set("endDate", date)
	params.Set("pageSize", "1")
	params.Set("totalPages", "true")
	params.Set("fields", "event,program,programStage,orgUnit,eventDate,dataValues[dataElement,value]")

	var page EventPage
	if err := c.do(ctx, http.MethodGet, "/events.json", params, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// QueryEventsByValues queries existing events by an IN filter over one
// identifying data element's values.
func (c *Client) QueryEventsByValues(ctx context.Context, program, dataElement string, values []string) ([]models.Event, error) {
	params := url.Values{}
	params.Set("program", program)
	params.Set("ouMode", "ACCESSIBLE")
	params.Set("filter", fmt.Sprintf("%s:IN:%s", dataElement, strings.Join(values, ";")))
	params.Set("skipPaging", "true")
	params.Set("fields", "event,program,programStage,orgUnit,eventDate,dataValues[dataElement,value]")

	var resp eventsResponse
	if err := c.do(ctx, http.MethodGet, "/events.json", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// GetOrgUnits pulls organisation-unit reference data at the given level.
func (c *Client) GetOrgUnits(ctx context.Context, level int) ([]models.OrgUnit, error) {
	params := url.Values{}
	if level > 0 {
		params.Set("level", fmt.Sprintf("%d", level))
	}
	params.Set("fields", "id,name,code")
	params.Set("paging", "false")

	var resp orgUnitsResponse
	if err := c.do(ctx, http.MethodGet, "/organisationUnits.json", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.OrganisationUnits, nil
}

// GetDataValueSets pulls aggregate data values with caller params.
func (c *Client) GetDataValueSets(ctx context.Context, params url.Values) (*models.DataValueSet, error) {
	var dvs models.DataValueSet
	if err := c.do(ctx, http.MethodGet, "/dataValueSets.json", params, nil, &dvs); err != nil {
		return nil, err
	}
	return &dvs, nil
}

// GetAnalytics runs an analytics table query.
func (c *Client) GetAnalytics(ctx context.Context, params url.Values) (*AnalyticsTable, error) {
	var table AnalyticsTable
	if err := c.do(ctx, http.MethodGet, "/analytics.json", params, nil, &table); err != nil {
		return nil, err
	}
	return &table, nil
}

// GetProgramAttributes fetches a program's tracked-entity attribute
// metadata.
func (c *Client) GetProgramAttributes(ctx context.Context, program string) ([]ProgramAttribute, error) {
	params := url.Values{}
	params.Set("fields", "programTrackedEntityAttributes[trackedEntityAttribute[id,name,valueType,unique]]")

	var resp programAttributesResponse
	if err := c.do(ctx, http.MethodGet, "/programs/"+program+".json", params, nil, &resp); err != nil {
		return nil, err
	}
	attrs := make([]ProgramAttribute, 0, len(resp.ProgramTrackedEntityAttributes))
	for _, row := range resp.ProgramTrackedEntityAttributes {
		attrs = append(attrs, row.TrackedEntityAttribute)
	}
	return attrs, nil
}

// PostTrackedEntities creates new tracked entities.
func (c *Client) PostTrackedEntities(ctx context.Context, entities []models.TrackedEntity) (*models.ImportResponse, error) {
	body := map[string]any{"trackedEntityInstances": entities}
	var resp models.ImportResponse
	if err := c.do(ctx, http.MethodPost, "/trackedEntityInstances", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateTrackedEntity replaces one tracked entity's payload.
func (c *Client) UpdateTrackedEntity(ctx context.Context, id string, entity models.TrackedEntity) (*models.ImportResponse, error) {
	var resp models.ImportResponse
	if err := c.do(ctx, http.MethodPut, "/trackedEntityInstances/"+id, nil, entity, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostEnrollments creates new enrollments.
func (c *Client) PostEnrollments(ctx context.Context, enrollments []models.Enrollment) (*models.ImportResponse, error) {
	body := map[string]any{"enrollments": enrollments}
	var resp models.ImportResponse
	if err := c.do(ctx, http.MethodPost, "/enrollments", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostEvents creates new events.
func (c *Client) PostEvents(ctx context.Context, events []models.Event) (*models.ImportResponse, error) {
	body := map[string]any{"events": events}
	var resp models.ImportResponse
	if err := c.do(ctx, http.MethodPost, "/events", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PutEventValue updates one data element on one event, individually
// addressed as PUT /events/{event}/{dataElement}.
func (c *Client) PutEventValue(ctx context.Context, event, dataElement string, value any) (*models.ImportResponse, error) {
	body := map[string]any{
		"dataValues": []models.DataValue{{DataElement: dataElement, Value: value}},
	}
	var resp models.ImportResponse
	if err := c.do(ctx, http.MethodPut, "/events/"+event+"/"+dataElement, nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostDataValueSet submits one aggregate data value set.
func (c *Client) PostDataValueSet(ctx context.Context, set models.DataValueSet) (*models.ImportResponse, error) {
	var resp models.ImportResponse
	if err := c.do(ctx, http.MethodPost, "/dataValueSets", nil, set, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PostCompleteRegistrations marks (dataSet, period, orgUnit) combinations
// as reported.
func (c *Client) PostCompleteRegistrations(ctx context.Context, regs []models.CompleteRegistration) (*models.ImportResponse, error) {
	body := map[string]any{"completeDataSetRegistrations": regs}
	var resp models.ImportResponse
	if err := c.do(ctx, http.MethodPost, "/completeDataSetRegistrations", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
