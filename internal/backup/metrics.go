// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for snapshot rotation.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	SnapshotsTotal prometheus.Counter
	PrunedTotal    prometheus.Counter
	RestoresTotal  prometheus.Counter

	// FailuresTotal is labelled by op.
	FailuresTotal *prometheus.CounterVec
}

// NewMetrics creates backup metrics registered with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "backup",
			Name:      "snapshots_total",
			Help:      "Total snapshots created",
		}),
		PrunedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "backup",
			Name:      "pruned_total",
			Help:      "Total snapshots removed by retention",
		}),
		RestoresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "backup",
			Name:      "restores_total",
			Help:      "Total snapshots restored",
		}),
		FailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "backup",
			Name:      "failures_total",
			Help:      "Total failed backup operations by op",
		}, []string{"op"}),
	}
}

func (m *Metrics) snapshotCreated() {
	if m != nil {
		m.SnapshotsTotal.Inc()
	}
}

func (m *Metrics) pruned(n int) {
	if m != nil && n > 0 {
		m.PrunedTotal.Add(float64(n))
	}
}

func (m *Metrics) restored() {
	if m != nil {
		m.RestoresTotal.Inc()
	}
}

func (m *Metrics) failed(op string) {
	if m != nil {
		m.FailuresTotal.WithLabelValues(op).Inc()
	}
}
