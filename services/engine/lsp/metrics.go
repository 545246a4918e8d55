// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("lintbridge.lsp")

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// sessionTransitions counts state machine transitions.
	sessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lintbridge_session_transitions_total",
		Help: "Engine session state transitions",
	}, []string{"from", "to"})

	// droppedMessages counts engine messages discarded without effect.
	droppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lintbridge_session_dropped_messages_total",
		Help: "Engine messages dropped by reason",
	}, []string{"reason"})

	// dialAttempts counts readiness dials.
	dialAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lintbridge_session_dial_attempts_total",
		Help: "Connection attempts made while waiting for the engine",
	})

	// publishedDiagnostics tracks diagnostics per accepted publish.
	publishedDiagnostics = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lintbridge_session_diagnostics_per_publish",
		Help:    "Diagnostics carried by each accepted publish",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
	})
)

func recordTransition(from, to State) {
	sessionTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

func recordDrop(reason string) {
	droppedMessages.WithLabelValues(reason).Inc()
}

func recordDialAttempt() {
	dialAttempts.Inc()
}

func recordPublish(n int) {
	publishedDiagnostics.Observe(float64(n))
}

func startSessionSpan(ctx context.Context, name, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attribute.String("lsp.session_id", id)),
	)
}
