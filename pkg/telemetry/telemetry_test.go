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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want none", cfg.TraceExporter)
	}
	if cfg.MetricExporter != "prometheus" {
		t.Errorf("MetricExporter = %q, want prometheus", cfg.MetricExporter)
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	_, err := Init(nil, DefaultConfig())
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want %v", err, ErrNilContext)
	}
}

func TestInit_None(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_Stdout(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	defer func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	}()

	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.TraceExporter = "stdout"
	cfg.MetricExporter = "stdout"
	cfg.Output = &buf

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "lintbridge.test")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !strings.Contains(buf.String(), "lintbridge.test") {
		t.Errorf("span not exported, output %q", buf.String())
	}
}

func TestInit_Prometheus(t *testing.T) {
	prevMP := otel.GetMeterProvider()
	defer otel.SetMeterProvider(prevMP)

	shutdown, err := Init(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	counter, err := otel.Meter("test").Int64Counter("lintbridge_test_total")
	if err != nil {
		t.Fatal(err)
	}
	counter.Add(context.Background(), 1)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "lintbridge_test_total") {
		t.Error("otel counter missing from /metrics")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"trace", Config{TraceExporter: "jaeger", MetricExporter: "none"}},
		{"metric", Config{TraceExporter: "none", MetricExporter: "statsd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Init(context.Background(), tt.cfg)
			if !errors.Is(err, ErrUnknownExporter) {
				t.Errorf("error = %v, want %v", err, ErrUnknownExporter)
			}
		})
	}
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	t.Run("no span", func(t *testing.T) {
		if got := LoggerWithTrace(context.Background(), base); got != base {
			t.Error("expected the same logger without a span")
		}
	})

	t.Run("nil context", func(t *testing.T) {
		//nolint:staticcheck // nil context is the case under test
		if got := LoggerWithTrace(nil, base); got != base {
			t.Error("expected the same logger for a nil context")
		}
	})

	t.Run("nil logger", func(t *testing.T) {
		if LoggerWithTrace(context.Background(), nil) == nil {
			t.Error("expected slog.Default()")
		}
	})

	t.Run("with span", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer tp.Shutdown(context.Background())
		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		LoggerWithTrace(ctx, base).Info("hello")
		out := buf.String()
		if !strings.Contains(out, "trace_id="+span.SpanContext().TraceID().String()) {
			t.Errorf("trace_id missing: %q", out)
		}
		if !strings.Contains(out, "span_id=") {
			t.Errorf("span_id missing: %q", out)
		}
	})
}
