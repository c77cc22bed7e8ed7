// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package source

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ssewanyana/dhisync/internal/models"
)

// page holds one decoded page of a cursor-paginated listing. The next
// link is taken from either a top-level "next" field or a DHIS2-style
// pager block.
type page struct {
	Records []models.Record `json:"records"`
	Next    string          `json:"next"`
	Pager   *struct {
		NextPage string `json:"nextPage"`
	} `json:"pager"`
}

func (p *page) nextLink() string {
	if p.Next != "" {
		return p.Next
	}
	if p.Pager != nil {
		return p.Pager.NextPage
	}
	return ""
}

// FetchAll walks a cursor-paginated listing starting at startURL,
// following next links until the cursor is exhausted. A next link that
// was already visited terminates the walk; a stuck upstream cursor must
// not loop forever.
func (f *Fetcher) FetchAll(ctx context.Context, mapping models.Mapping, startURL string, params url.Values) ([]models.Record, error) {
	if err := f.Probe(startURL); err != nil {
		return nil, err
	}

	var all []models.Record
	seen := map[string]struct{}{}
	next := startURL

	for pages := 0; next != ""; pages++ {
		if _, dup := seen[next]; dup {
			f.logger.Warn().Str("url", next).Msg("Paginator next link repeated, stopping")
			break
		}
		seen[next] = struct{}{}

		pageParams := params
		if pages > 0 {
			// Next links carry their own query string.
			pageParams = nil
		}
		body, err := f.get(ctx, mapping, next, pageParams)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", pages+1, err)
		}

		var pg page
		if err := json.Unmarshal(body, &pg); err != nil {
			return nil, fmt.Errorf("%w: decoding page %d: %v", models.ErrRequestFailed, pages+1, err)
		}

		for _, rec := range pg.Records {
			all = append(all, NormalizeRecord(rec))
		}
		next = pg.nextLink()
	}

	return all, nil
}

// sourceTimestampLayouts lists the timestamp renderings sources have
// been seen to emit, most specific first.
var sourceTimestampLayouts = []string{
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05.000",
	time.RFC3339,
	"2006-01-02T15:04:05",
	models.TimestampLayout,
}

// NormalizeRecord trims string values and rewrites recognizable
// timestamps into the canonical layout. Name-bearing fields in
// particular tend to arrive padded from spreadsheet-backed sources.
func NormalizeRecord(rec models.Record) models.Record {
	out := make(models.Record, len(rec))
	for key, value := range rec {
		s, ok := value.(string)
		if !ok {
			out[key] = value
			continue
		}
		s = strings.TrimSpace(s)
		if ts, ok := reformatTimestamp(s); ok {
			s = ts
		}
		out[key] = s
	}
	return out
}

// reformatTimestamp rewrites a value in any known source timestamp
// layout into the canonical one. Plain dates are left alone.
func reformatTimestamp(s string) (string, bool) {
	if len(s) < len("2006-01-02T15:04") || s[4] != '-' {
		return "", false
	}
	for _, layout := range sourceTimestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(models.TimestampLayout), true
		}
	}
	return "", false
}
