// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

package dhis2

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/ssewanyana/dhisync/internal/config"
	"github.com/ssewanyana/dhisync/internal/logging"
	"github.com/ssewanyana/dhisync/internal/metrics"
	"github.com/ssewanyana/dhisync/internal/models"
)

// BreakerClient wraps Client with a circuit breaker so a failing
// destination stops absorbing whole fires.
//
// The breaker uses real time for its interval and timeout; tests exercise
// the wrapped client directly.
type BreakerClient struct {
	client *Client
	cb     *gobreaker.CircuitBreaker[any]
	name   string
}

// NewBreakerClient creates a destination client with circuit breaker
// protection. The circuit opens after a 60% failure rate over at least 10
// requests, allows 3 probes half-open, and waits 2 minutes before probing
// an open circuit.
func NewBreakerClient(cfg config.DestinationConfig) *BreakerClient {
	client := NewClient(cfg)
	cbName := "dhis2-api"

	metrics.CircuitBreakerState.WithLabelValues(cbName).Set(0) // 0 = closed
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(cbName).Set(0)

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cbName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			shouldTrip := failureRatio >= 0.6
			if shouldTrip {
				logging.Warn().
					Uint32("failures", counts.TotalFailures).
					Float64("failure_rate", failureRatio*100).
					Msg("Opening destination circuit")
			}
			return shouldTrip
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)
			logging.Info().Str("from", fromStr).Str("to", toStr).Msg("Destination circuit state transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()
			if to == gobreaker.StateClosed {
				metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(name).Set(0)
			}
		},
	})

	return &BreakerClient{client: client, cb: cb, name: cbName}
}

// execute runs one destination call through the circuit breaker and
// records outcome metrics.
func (bc *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := bc.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "rejected").Inc()
			logging.Warn().Err(err).Msg("Destination request rejected by circuit breaker")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "failure").Inc()
			counts := bc.cb.Counts()
			metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(bc.name).Set(float64(counts.ConsecutiveFailures))
		}
		return nil, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(bc.name, "success").Inc()
	metrics.CircuitBreakerConsecutiveFailures.WithLabelValues(bc.name).Set(0)
	return result, nil
}

// castResult type-asserts a circuit breaker result pointer.
func castResult[T any](result any, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

// castSlice type-asserts a circuit breaker result slice.
func castSlice[T any](result any, err error) ([]T, error) {
	if err != nil {
		return nil, err
	}
	typed, ok := result.([]T)
	if !ok {
		return nil, fmt.Errorf("circuit breaker: unexpected result type %T", result)
	}
	return typed, nil
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BaseURL returns the normalized destination base URL.
func (bc *BreakerClient) BaseURL() string {
	return bc.client.BaseURL()
}

// Get issues a raw GET with circuit breaker protection.
func (bc *BreakerClient) Get(ctx context.Context, path string, params url.Values, result any) error {
	_, err := bc.execute(func() (any, error) {
		return nil, bc.client.Get(ctx, path, params, result)
	})
	return err
}

// QueryTrackedEntityIDs queries tracked entity IDs with circuit breaker protection.
func (bc *BreakerClient) QueryTrackedEntityIDs(ctx context.Context, program, attribute string, values []string) ([]string, error) {
	return castSlice[string](bc.execute(func() (any, error) {
		return bc.client.QueryTrackedEntityIDs(ctx, program, attribute, values)
	}))
}

// GetTrackedEntitiesByIDs fetches full tracked entities with circuit breaker protection.
func (bc *BreakerClient) GetTrackedEntitiesByIDs(ctx context.Context, ids []string) ([]models.TrackedEntity, error) {
	return castSlice[models.TrackedEntity](bc.execute(func() (any, error) {
		return bc.client.GetTrackedEntitiesByIDs(ctx, ids)
	}))
}

// GetTrackedEntitiesPage fetches one tracked-entity page with circuit breaker protection.
func (bc *BreakerClient) GetTrackedEntitiesPage(ctx context.Context, params url.Values) (*TrackedEntityPage, error) {
	return castResult[TrackedEntityPage](bc.execute(func() (any, error) {
		return bc.client.GetTrackedEntitiesPage(ctx, params)
	}))
}

// QueryEventsByDate queries events by date with circuit breaker protection.
func (bc *BreakerClient) QueryEventsByDate(ctx context.Context, program, orgUnit, date string) (*EventPage, error) {
	return castResult[EventPage](bc.execute(func() (any, error) {
		return bc.client.QueryEventsByDate(ctx, program, orgUnit, date)
	}))
}

// QueryEventsByValues queries events by identifying values with circuit breaker protection.
func (bc *BreakerClient) QueryEventsByValues(ctx context.Context, program, dataElement string, values []string) ([]models.Event, error) {
	return castSlice[models.Event](bc.execute(func() (any, error) {
		return bc.client.QueryEventsByValues(ctx, program, dataElement, values)
	}))
}

// GetOrgUnits pulls organisation units with circuit breaker protection.
func (bc *BreakerClient) GetOrgUnits(ctx context.Context, level int) ([]models.OrgUnit, error) {
	return castSlice[models.OrgUnit](bc.execute(func() (any, error) {
		return bc.client.GetOrgUnits(ctx, level)
	}))
}

// GetDataValueSets pulls aggregate data values with circuit breaker protection.
func (bc *BreakerClient) GetDataValueSets(ctx context.Context, params url.Values) (*models.DataValueSet, error) {
	return castResult[models.DataValueSet](bc.execute(func() (any, error) {
		return bc.client.GetDataValueSets(ctx, params)
	}))
}

// GetAnalytics runs an analytics query with circuit breaker protection.
func (bc *BreakerClient) GetAnalytics(ctx context.Context, params url.Values) (*AnalyticsTable, error) {
	return castResult[AnalyticsTable](bc.execute(func() (any, error) {
		return bc.client.GetAnalytics(ctx, params)
	}))
}

// GetProgramAttributes fetches program attribute metadata with circuit breaker protection.
func (bc *BreakerClient) GetProgramAttributes(ctx context.Context, program string) ([]ProgramAttribute, error) {
	return castSlice[ProgramAttribute](bc.execute(func() (any, error) {
		return bc.client.GetProgramAttributes(ctx, program)
	}))
}

// PostTrackedEntities creates tracked entities with circuit breaker protection.
func (bc *BreakerClient) PostTrackedEntities(ctx context.Context, entities []models.TrackedEntity) (*models.ImportResponse, error) {
	return castResult[models.ImportResponse](bc.execute(func() (any, error) {
		return bc.client.PostTrackedEntities(ctx, entities)
	}))
}

// UpdateTrackedEntity updates one tracked entity with circuit breaker protection.
func (bc *BreakerClient) UpdateTrackedEntity(ctx context.Context, id string, entity models.TrackedEntity) (*models.ImportResponse, error) {
	return castResult[models.ImportResponse](bc.execute(func() (any, error) {
		return bc.client.UpdateTrackedEntity(ctx, id, entity)
	}))
}

// PostEnrollments creates enrollments with circuit breaker protection.
func (bc *BreakerClient) PostEnrollments(ctx context.Context, enrollments []models.Enrollment) (*models.ImportResponse, error) {
	return castResult[models.ImportResponse](bc.execute(func() (any, error) {
		return bc.client.PostEnrollments(ctx, enrollments)
	}))
}

// PostEvents creates events with circuit breaker protection.
func (bc *BreakerClient) PostEvents(ctx context.Context, events []models.Event) (*models.ImportResponse, error) {
	return castResult[models.ImportResponse](bc.execute(func() (any, error) {
		return bc.client.PostEvents(ctx, events)
	}))
}

// PutEventValue updates one event field with circuit breaker protection.
func (bc *BreakerClient) PutEventValue(ctx context.Context, event, dataElement string, value any) (*models.ImportResponse, error) {
	return castResult[models.ImportResponse](bc.execute(func() (any, error) {
		return bc.client.PutEventValue(ctx, event, dataElement, value)
	}))
}

// PostDataValueSet submits one data value set with circuit breaker protection.
func (bc *BreakerClient) PostDataValueSet(ctx context.Context, set models.DataValueSet) (*models.ImportResponse, error) {
	return castResult[models.ImportResponse](bc.execute(func() (any, error) {
		return bc.client.PostDataValueSet(ctx, set)
	}))
}

// PostCompleteRegistrations submits completeness registrations with circuit breaker protection.
func (bc *BreakerClient) PostCompleteRegistrations(ctx context.Context, regs []models.CompleteRegistration) (*models.ImportResponse, error) {
	return castResult[models.ImportResponse](bc.execute(func() (any, error) {
		return bc.client.PostCompleteRegistrations(ctx, regs)
	}))
}
