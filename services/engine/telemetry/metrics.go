// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proengine"

// Metrics holds the engine's Prometheus collectors.
//
// It implements the observer interfaces of the lock manager, cache and
// supervisor, so one value is passed to all of them.
//
// Thread Safety: Safe for concurrent use.
type Metrics struct {
	Registry *prometheus.Registry

	TasksTerminal     *prometheus.CounterVec
	TaskRetries       *prometheus.CounterVec
	TasksStuck        *prometheus.CounterVec
	BackoffDelay      *prometheus.GaugeVec
	CacheEvents       *prometheus.CounterVec
	LockWait          *prometheus.HistogramVec
	BackpressureDrops *prometheus.CounterVec
	ForecastOutcomes  *prometheus.CounterVec
	RespondDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on reg. A nil reg gets a
// fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		TasksTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "tasks_terminal_total",
			Help:      "Tasks reaching a terminal state",
		}, []string{"kind", "name", "state"}),

		TaskRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "task_retries_total",
			Help:      "Retryable task failures requeued after backoff",
		}, []string{"name"}),

		TasksStuck: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "tasks_stuck_total",
			Help:      "Tasks force-failed after ignoring cancellation",
		}, []string{"name"}),

		BackoffDelay: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "backoff_delay_seconds",
			Help:      "Current backoff delay per operation",
		}, []string{"operation"}),

		CacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Cache hits, misses and evictions",
		}, []string{"cache", "event"}),

		LockWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for resource locks",
			Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"resource", "outcome"}),

		BackpressureDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_drops_total",
			Help:      "Events dropped because a bounded queue was full",
		}, []string{"queue"}),

		ForecastOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "forecast",
			Name:      "expansions_total",
			Help:      "Forecast expansions by terminal state",
		}, []string{"state"}),

		RespondDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "respond_duration_seconds",
			Help:      "End-to-end Respond latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// TaskTerminal counts a task reaching a terminal state.
func (m *Metrics) TaskTerminal(kind, name, state string) {
	m.TasksTerminal.WithLabelValues(kind, name, state).Inc()
}

// TaskRetry counts a requeued attempt.
func (m *Metrics) TaskRetry(name string) {
	m.TaskRetries.WithLabelValues(name).Inc()
}

// TaskStuck counts a force-failed task.
func (m *Metrics) TaskStuck(name string) {
	m.TasksStuck.WithLabelValues(name).Inc()
}

// BackoffChanged records the current delay for an operation.
func (m *Metrics) BackoffChanged(operation string, delay time.Duration) {
	m.BackoffDelay.WithLabelValues(operation).Set(delay.Seconds())
}

// BackoffForgotten removes an operation's delay series.
func (m *Metrics) BackoffForgotten(operation string) {
	m.BackoffDelay.DeleteLabelValues(operation)
}

// CacheEvent counts a cache event.
func (m *Metrics) CacheEvent(cache, event string) {
	m.CacheEvents.WithLabelValues(cache, event).Inc()
}

// ObserveLockWait records a lock wait. Per-key resources are folded into
// their class ("cache:abc" → "cache") to bound label cardinality.
func (m *Metrics) ObserveLockWait(resource string, waited time.Duration, outcome string) {
	m.LockWait.WithLabelValues(resourceClass(resource), outcome).Observe(waited.Seconds())
}

// BackpressureDrop counts a dropped event.
func (m *Metrics) BackpressureDrop(queue string) {
	m.BackpressureDrops.WithLabelValues(queue).Inc()
}

// ForecastFinished counts a forecast expansion outcome.
func (m *Metrics) ForecastFinished(state string) {
	m.ForecastOutcomes.WithLabelValues(state).Inc()
}

// ObserveRespond records Respond latency.
func (m *Metrics) ObserveRespond(d time.Duration, outcome string) {
	m.RespondDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func resourceClass(resource string) string {
	if i := strings.IndexByte(resource, ':'); i > 0 {
		return resource[:i]
	}
	return resource
}
