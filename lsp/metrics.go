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
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// OBSERVABILITY
// =============================================================================

var (
	tracer = otel.Tracer("aleutian.lspcore")
	meter  = otel.Meter("aleutian.lspcore")

	metricsOnce sync.Once

	requestDuration   metric.Float64Histogram
	requestTotal      metric.Int64Counter
	serverSpawnTotal  metric.Int64Counter
	cancelledRequests metric.Int64Counter
)

// initMetrics lazily creates the instruments. Uses the global meter
// provider; a host application that never configures one gets no-op
// instruments.
func initMetrics() {
	metricsOnce.Do(func() {
		var err error

		requestDuration, err = meter.Float64Histogram(
			"lsp_request_duration_seconds",
			metric.WithDescription("Duration of LSP requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			slog.Warn("Failed to create lsp_request_duration_seconds", slog.String("error", err.Error()))
		}

		requestTotal, err = meter.Int64Counter(
			"lsp_request_total",
			metric.WithDescription("Total LSP requests by method and outcome"),
		)
		if err != nil {
			slog.Warn("Failed to create lsp_request_total", slog.String("error", err.Error()))
		}

		serverSpawnTotal, err = meter.Int64Counter(
			"lsp_server_spawn_total",
			metric.WithDescription("Language server processes spawned"),
		)
		if err != nil {
			slog.Warn("Failed to create lsp_server_spawn_total", slog.String("error", err.Error()))
		}

		cancelledRequests, err = meter.Int64Counter(
			"lsp_cancelled_request_total",
			metric.WithDescription("In-flight requests cancelled by connection loss or shutdown"),
		)
		if err != nil {
			slog.Warn("Failed to create lsp_cancelled_request_total", slog.String("error", err.Error()))
		}
	})
}

// startRequestSpan opens a span for an outbound request.
func startRequestSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lsp.request",
		trace.WithAttributes(attribute.String("lsp.method", method)))
}

// finishRequestSpan records the outcome on the span.
func finishRequestSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// requestOutcome maps an error to a low-cardinality metric label.
func requestOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrServerTerminated):
		return "terminated"
	case errors.Is(err, ErrTransportClosed):
		return "transport"
	default:
		var lspErr *LSPError
		if errors.As(err, &lspErr) {
			return "rpc_error"
		}
		return "error"
	}
}

// recordRequestMetrics records duration and outcome for one request.
func recordRequestMetrics(ctx context.Context, method string, elapsed time.Duration, err error) {
	initMetrics()
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", requestOutcome(err)),
	)
	if requestDuration != nil {
		requestDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if requestTotal != nil {
		requestTotal.Add(ctx, 1, attrs)
	}
}

// recordServerSpawn counts a spawn attempt.
func recordServerSpawn(ctx context.Context, transport string, success bool) {
	initMetrics()
	if serverSpawnTotal != nil {
		serverSpawnTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("transport", transport),
			attribute.Bool("success", success),
		))
	}
}

// recordCancelledRequests counts requests cancelled in bulk.
func recordCancelledRequests(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	initMetrics()
	if cancelledRequests != nil {
		cancelledRequests.Add(ctx, int64(n))
	}
}
