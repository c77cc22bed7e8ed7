// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package validation validates incoming job definitions before they
// reach the scheduler or the store.
package validation

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ssewanyana/dhisync/internal/models"
	"github.com/ssewanyana/dhisync/internal/period"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// FieldError describes one rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is the full set of rejections for one request.
type Errors struct {
	Fields []FieldError `json:"fields"`
}

// Error implements the error interface.
func (e *Errors) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// JobDefinition validates a job definition: struct tags first, then the
// cross-field rules the tags cannot express.
func JobDefinition(def models.JobDefinition) error {
	var errs Errors

	if err := validate.Struct(def); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok {
			for _, fe := range fieldErrs {
				errs.Fields = append(errs.Fields, FieldError{
					Field:   fe.Namespace(),
					Message: translate(fe),
				})
			}
		} else {
			errs.Fields = append(errs.Fields, FieldError{Field: "definition", Message: err.Error()})
		}
	}

	if def.Cadence != "" && !period.Valid(def.Cadence) {
		errs.Fields = append(errs.Fields, FieldError{
			Field:   "cadence",
			Message: fmt.Sprintf("unknown cadence %q", def.Cadence),
		})
	}

	errs.Fields = append(errs.Fields, mappingRules(def)...)

	if len(errs.Fields) > 0 {
		return &errs
	}
	return nil
}

// mappingRules checks the per-job-type mapping requirements.
func mappingRules(def models.JobDefinition) []FieldError {
	var errs []FieldError
	m := def.Mapping

	switch def.JobType {
	case models.JobTypeTrackedEntity:
		if m.Program == "" {
			errs = append(errs, FieldError{Field: "mapping.program", Message: "required for tracked-entity jobs"})
		}
		hasUnique := m.UniqueColumn != "" && m.UniqueAttribute != ""
		hasEventDate := m.EventDateIdentifies && m.EventDateColumn != ""
		hasComposite := len(m.IdentifyingElements()) > 0
		if !hasUnique && !hasEventDate && !hasComposite {
			errs = append(errs, FieldError{
				Field:   "mapping",
				Message: "a matching strategy is required: unique attribute, event date, or identifying data elements",
			})
		}
		if (m.UniqueColumn != "") != (m.UniqueAttribute != "") {
			errs = append(errs, FieldError{
				Field:   "mapping.uniqueColumn",
				Message: "uniqueColumn and uniqueAttribute must be set together",
			})
		}
	case models.JobTypeAggregate:
		if m.DataSet == "" {
			errs = append(errs, FieldError{Field: "mapping.dataSet", Message: "required for aggregate jobs"})
		}
	case models.JobTypeAttributeExport:
		if m.Program == "" {
			errs = append(errs, FieldError{Field: "mapping.program", Message: "required for attribute-export jobs"})
		}
	}

	return errs
}

// translate renders one tag failure as a human-readable message.
func translate(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a valid URL"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	ve, ok := err.(validator.ValidationErrors)
	if ok {
		*target = ve
	}
	return ok
}
