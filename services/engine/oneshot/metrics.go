// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oneshot

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/lintbridge/services/engine"
)

// Package-level tracer and meter for one-shot runs.
var (
	tracer = otel.Tracer("lintbridge.oneshot")
	meter  = otel.Meter("lintbridge.oneshot")
)

var (
	analyzeLatency metric.Float64Histogram
	analyzeTotal   metric.Int64Counter
	issuesFound    metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analyzeLatency, err = meter.Float64Histogram(
			"oneshot_analyze_duration_seconds",
			metric.WithDescription("Duration of one-shot engine runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analyzeTotal, err = meter.Int64Counter(
			"oneshot_analyze_total",
			metric.WithDescription("Total one-shot engine runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		issuesFound, err = meter.Int64Histogram(
			"oneshot_issues_found",
			metric.WithDescription("Issues reported per successful run"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startAnalyzeSpan(ctx context.Context, requestID string, size int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Invoker.Analyze",
		trace.WithAttributes(
			attribute.String("oneshot.request_id", requestID),
			attribute.Int("oneshot.snapshot_bytes", size),
		),
	)
}

func setAnalyzeSpanResult(span trace.Span, issues int, err error) {
	span.SetAttributes(
		attribute.Int("oneshot.issues", issues),
		attribute.String("oneshot.outcome", engine.Kind(err)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func recordAnalyzeMetrics(ctx context.Context, duration time.Duration, issues int, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", engine.Kind(err)))
	analyzeLatency.Record(ctx, duration.Seconds(), attrs)
	analyzeTotal.Add(ctx, 1, attrs)
	if err == nil {
		issuesFound.Record(ctx, int64(issues))
	}
}
