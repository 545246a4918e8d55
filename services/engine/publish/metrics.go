// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lintbridge_publish_total",
		Help: "Diagnostic sets stored",
	})

	publishedSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lintbridge_publish_diagnostics",
		Help:    "Diagnostics per stored set",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})

	staleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lintbridge_publish_stale_total",
		Help: "Results discarded because a newer analysis was already stored",
	})

	skippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lintbridge_publish_skipped_issues_total",
		Help: "Issues skipped while building diagnostics",
	}, []string{"reason"})
)

func recordPublished(n int) {
	publishedTotal.Inc()
	publishedSize.Observe(float64(n))
}

func recordStale() { staleTotal.Inc() }

func recordSkipped(reason string) { skippedTotal.WithLabelValues(reason).Inc() }
