// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/cascade/internal/backup"
	"github.com/AleutianAI/cascade/internal/lock"
)

// Package-level tracer for store operations.
var tracer = otel.Tracer("cascade.store")

// Metrics holds Prometheus metrics for store operations.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// OpsTotal is labelled by op and outcome.
	OpsTotal *prometheus.CounterVec

	// OpDuration is labelled by op.
	OpDuration *prometheus.HistogramVec

	CorruptionsTotal prometheus.Counter
	RepairsTotal     prometheus.Counter
	ExpiredTotal     prometheus.Counter

	// CacheLookups is labelled by result (hit, miss, stale).
	CacheLookups *prometheus.CounterVec
}

// NewMetrics creates store metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OpsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Total store operations by op and outcome",
		}, []string{"op", "outcome"}),
		OpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cascade",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of store operations",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		CorruptionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "store",
			Name:      "corruptions_total",
			Help:      "Total hash mismatches detected on validated loads",
		}),
		RepairsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "store",
			Name:      "repairs_total",
			Help:      "Total validated loads repaired from a snapshot",
		}),
		ExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "store",
			Name:      "expired_total",
			Help:      "Total records removed by expiry",
		}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "store",
			Name:      "cache_lookups_total",
			Help:      "Record cache lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.OpsTotal.WithLabelValues(op, outcome(err)).Inc()
	m.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) corruption() {
	if m != nil {
		m.CorruptionsTotal.Inc()
	}
}

func (m *Metrics) repaired() {
	if m != nil {
		m.RepairsTotal.Inc()
	}
}

func (m *Metrics) expired(n int) {
	if m != nil && n > 0 {
		m.ExpiredTotal.Add(float64(n))
	}
}

func (m *Metrics) cacheLookup(result string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(result).Inc()
	}
}

// outcome maps an error onto a low-cardinality label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, lock.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, backup.ErrBackup):
		return "backup_error"
	case errors.Is(err, ErrCorruption):
		return "corrupt"
	}
	return "error"
}

// startSpan creates a span for a store operation.
func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Store."+op, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
