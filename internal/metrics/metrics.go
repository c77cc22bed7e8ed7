// Dhisync - Scheduled DHIS2 Data Synchronization Engine
// Copyright 2026 S. Ssewanyana
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ssewanyana/dhisync

// Package metrics provides Prometheus instrumentation for the sync
// engine: fire counts and durations, records processed per stage,
// submission outcome classes, destination client health, and the admin
// HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scheduler metrics.
	FiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhisync_fires_total",
			Help: "Total job fires by result",
		},
		[]string{"job", "job_type", "result"},
	)

	FiresSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhisync_fires_skipped_total",
			Help: "Trigger ticks skipped because the previous fire was still running",
		},
		[]string{"job"},
	)

	FireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dhisync_fire_duration_seconds",
			Help:    "Duration of one job fire in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"job"},
	)

	// Pipeline metrics.
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhisync_records_processed_total",
			Help: "Records flowing through each pipeline stage",
		},
		[]string{"job", "stage"}, // "fetched", "new", "update", "excluded", "ambiguous"
	)

	SubmissionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhisync_submission_outcomes_total",
			Help: "Submitted chunks by outcome class",
		},
		[]string{"job", "class"}, // "success", "warning", "conflict", "server_error", "unclassified"
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhisync_fetch_errors_total",
			Help: "Source fetch failures by kind",
		},
		[]string{"job", "kind"}, // "unreachable", "configuration", "request"
	)

	// Destination client metrics.
	DestinationRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dhisync_destination_request_duration_seconds",
			Help:    "Duration of destination API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dhisync_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhisync_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhisync_circuit_breaker_requests_total",
			Help: "Requests through the circuit breaker by outcome",
		},
		[]string{"name", "outcome"}, // "success", "failure", "rejected"
	)

	CircuitBreakerConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dhisync_circuit_breaker_consecutive_failures",
			Help: "Consecutive failures recorded by the circuit breaker",
		},
		[]string{"name"},
	)

	// Admin HTTP surface metrics.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dhisync_http_requests_total",
			Help: "Total HTTP requests by route, method and status code",
		},
		[]string{"route", "method", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dhisync_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)

// ObserveHTTPRequest records one admin HTTP request.
func ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}
