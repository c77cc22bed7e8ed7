// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package writer

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/ssewanyana/dhisync/internal/dhis2"
	"github.com/ssewanyana/dhisync/internal/models"
)

// Classify turns one import response or transport error into a
// submission outcome.
//
// A 409 body is itemized: the destination rejects whole chunks with a
// conflict list naming each offending object. A 500 keeps the raw body
// for the log since those bodies carry no usable structure. Anything
// else unexpected is kept raw and unclassified.
func Classify(chunk int, resp *models.ImportResponse, err error) models.SubmissionOutcome {
	if err != nil {
		return classifyError(chunk, err)
	}
	if resp == nil {
		return models.SubmissionOutcome{Chunk: chunk, Class: models.OutcomeUnclassified}
	}

	outcome := models.SubmissionOutcome{
		Chunk:  chunk,
		Status: resp.Status,
	}
	fillCounts(&outcome, resp)

	switch resp.Status {
	case "SUCCESS", "OK":
		outcome.Class = models.OutcomeSuccess
		if len(outcome.Conflicts) > 0 || outcome.Ignored > 0 {
			outcome.Class = models.OutcomeWarning
		}
	case "WARNING":
		outcome.Class = models.OutcomeWarning
	case "ERROR":
		outcome.Class = models.OutcomeConflict
		outcome.Raw = resp.Message
	default:
		outcome.Class = models.OutcomeUnclassified
		outcome.Raw = resp.Message
	}
	return outcome
}

func classifyError(chunk int, err error) models.SubmissionOutcome {
	outcome := models.SubmissionOutcome{Chunk: chunk}

	var statusErr *dhis2.StatusError
	if !errors.As(err, &statusErr) {
		outcome.Class = models.OutcomeUnclassified
		outcome.Raw = err.Error()
		return outcome
	}

	switch statusErr.Code {
	case http.StatusConflict:
		outcome.Class = models.OutcomeConflict
		var resp models.ImportResponse
		if jsonErr := json.Unmarshal(statusErr.Body, &resp); jsonErr == nil {
			outcome.Status = resp.Status
			fillCounts(&outcome, &resp)
		}
		if len(outcome.Conflicts) == 0 {
			outcome.Raw = string(statusErr.Body)
		}
	case http.StatusInternalServerError:
		outcome.Class = models.OutcomeServerError
		outcome.Raw = string(statusErr.Body)
	default:
		outcome.Class = models.OutcomeUnclassified
		outcome.Raw = string(statusErr.Body)
	}
	return outcome
}

// fillCounts copies counters and conflicts out of either response
// envelope: top-level for aggregate imports, nested summaries for
// tracker imports.
func fillCounts(outcome *models.SubmissionOutcome, resp *models.ImportResponse) {
	outcome.Imported = resp.ImportCount.Imported
	outcome.Updated = resp.ImportCount.Updated
	outcome.Deleted = resp.ImportCount.Deleted
	outcome.Ignored = resp.ImportCount.Ignored
	outcome.Conflicts = append(outcome.Conflicts, resp.Conflicts...)

	if resp.Response == nil {
		return
	}
	outcome.Imported += resp.Response.Imported
	outcome.Updated += resp.Response.Updated
	outcome.Deleted += resp.Response.Deleted
	outcome.Ignored += resp.Response.Ignored
	for _, summary := range resp.Response.ImportSummaries {
		outcome.Imported += summary.ImportCount.Imported
		outcome.Updated += summary.ImportCount.Updated
		outcome.Deleted += summary.ImportCount.Deleted
		outcome.Ignored += summary.ImportCount.Ignored
		outcome.Conflicts = append(outcome.Conflicts, summary.Conflicts...)
	}
}
