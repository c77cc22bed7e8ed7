// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package source retrieves raw records from upstream systems. Every data
// request is preceded by a bounded TCP liveness probe so an offline
// source fails fast as Unreachable instead of tying a fire up in HTTP
// timeouts.
package source

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/models"
)

// DefaultProbeTimeout bounds the liveness probe.
const DefaultProbeTimeout = 15 * time.Second

// Fetcher pulls records from source endpoints.
type Fetcher struct {
	client       *http.Client
	probeTimeout time.Duration
	logger       zerolog.Logger
}

// NewFetcher creates a source fetcher with default timeouts.
func NewFetcher() *Fetcher {
	return &Fetcher{
		client:       &http.Client{Timeout: 60 * time.Second},
		probeTimeout: DefaultProbeTimeout,
		logger:       logging.With().Str("component", "source").Logger(),
	}
}

// Probe checks TCP reachability of the URL's host. Failure means the
// source is down for this cycle; the caller abandons the fire and the
// next cadence tick tries again.
func (f *Fetcher) Probe(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%w: invalid source URL %q", models.ErrConfiguration, rawURL)
	}

	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	conn, err := net.DialTimeout("tcp", host, f.probeTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrUnreachable, host, err)
	}
	_ = conn.Close()
	return nil
}

// Fetch probes the source and retrieves records with the given query
// parameters, decoding one of the three supported payload shapes.
func (f *Fetcher) Fetch(ctx context.Context, mapping models.Mapping, params url.Values) ([]models.Record, error) {
	if err := f.Probe(mapping.SourceURL); err != nil {
		return nil, err
	}

	body, err := f.get(ctx, mapping, mapping.SourceURL, params)
	if err != nil {
		return nil, err
	}

	switch mapping.Shape {
	case models.ShapeDataValueSets:
		return decodeDataValueSets(body)
	case models.ShapeAnalytics:
		return decodeAnalytics(body)
	default:
		return decodeList(body)
	}
}

// FetchOrgUnits pulls organisation-unit reference rows from the given
// endpoint, optionally filtered by level.
func (f *Fetcher) FetchOrgUnits(ctx context.Context, mapping models.Mapping, unitsURL string, level int) ([]models.OrgUnit, error) {
	if err := f.Probe(unitsURL); err != nil {
		return nil, err
	}

	params := url.Values{}
	if level > 0 {
		params.Set("level", fmt.Sprintf("%d", level))
	}
	params.Set("fields", "id,name,code")
	params.Set("paging", "false")

	body, err := f.get(ctx, mapping, unitsURL, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrganisationUnits []models.OrgUnit `json:"organisationUnits"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding organisation units: %v", models.ErrRequestFailed, err)
	}
	return resp.OrganisationUnits, nil
}

// get issues one GET with the mapping's optional basic-auth credentials.
func (f *Fetcher) get(ctx context.Context, mapping models.Mapping, rawURL string, params url.Values) ([]byte, error) {
	reqURL := rawURL
	if len(params) > 0 {
		sep := "?"
		if u, err := url.Parse(rawURL); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		reqURL += sep + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating source request: %w", err)
	}
	if mapping.SourceUsername != "" {
		req.SetBasicAuth(mapping.SourceUsername, mapping.SourcePassword)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: source returned status %d", models.ErrRequestFailed, resp.StatusCode)
	}

	body, err := readAll(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: reading source response: %v", models.ErrRequestFailed, err)
	}
	return body, nil
}

// decodeList decodes a flat JSON array of records. Some sources wrap the
// list in a one-key envelope; a "rows" or "data" array is accepted too.
func decodeList(body []byte) ([]models.Record, error) {
	var records []models.Record
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}

	var envelope struct {
		Rows []models.Record `json:"rows"`
		Data []models.Record `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decoding source list: %v", models.ErrRequestFailed, err)
	}
	if envelope.Rows != nil {
		return envelope.Rows, nil
	}
	return envelope.Data, nil
}

// decodeDataValueSets flattens a DHIS2 dataValueSets envelope into one
// record per data value.
func decodeDataValueSets(body []byte) ([]models.Record, error) {
	var envelope struct {
		DataValues []models.Record `json:"dataValues"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decoding dataValueSets: %v", models.ErrRequestFailed, err)
	}
	return envelope.DataValues, nil
}

// decodeAnalytics transposes a headers/rows analytics table into one
// record per row, keyed by header name.
func decodeAnalytics(body []byte) ([]models.Record, error) {
	var table struct {
		Headers []struct {
			Name string `json:"name"`
		} `json:"headers"`
		Rows [][]any `json:"rows"`
	}
	if err := json.Unmarshal(body, &table); err != nil {
		return nil, fmt.Errorf("%w: decoding analytics table: %v", models.ErrRequestFailed, err)
	}

	records := make([]models.Record, 0, len(table.Rows))
	for _, row := range table.Rows {
		rec := make(models.Record, len(table.Headers))
		for i, header := range table.Headers {
			if i < len(row) {
				rec[header.Name] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

func readAll(resp *http.Response) ([]byte, error) {
	const maxBody = 64 << 20 // 64MB upper bound on one source response
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}
