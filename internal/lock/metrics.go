// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for lock acquisition.
//
// A nil *Metrics is valid and records nothing.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// WaitSeconds measures time from the first attempt to acquisition.
	WaitSeconds prometheus.Histogram

	// TimeoutsTotal counts acquisitions that gave up.
	TimeoutsTotal prometheus.Counter

	// Held is the number of locks currently held by this process.
	Held prometheus.Gauge
}

// NewMetrics creates lock metrics registered with reg.
//
// # Inputs
//
//   - reg: Registerer to use. Tests pass prometheus.NewRegistry().
//
// # Outputs
//
//   - *Metrics: The created metrics. Never nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cascade",
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting to acquire a named lock",
			Buckets:   []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		TimeoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "cascade",
			Subsystem: "lock",
			Name:      "timeouts_total",
			Help:      "Total lock acquisitions that exceeded their bounded wait",
		}),
		Held: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "cascade",
			Subsystem: "lock",
			Name:      "held",
			Help:      "Number of named locks currently held by this process",
		}),
	}
}

func (m *Metrics) observeAcquired(waited time.Duration) {
	if m == nil {
		return
	}
	m.WaitSeconds.Observe(waited.Seconds())
	m.Held.Inc()
}

func (m *Metrics) observeTimeout() {
	if m == nil {
		return
	}
	m.TimeoutsTotal.Inc()
}

func (m *Metrics) observeReleased() {
	if m == nil {
		return
	}
	m.Held.Dec()
}
