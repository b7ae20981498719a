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
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names used across the engine.
const (
	TracerSupervisor = "proengine/supervisor"
	TracerEngine     = "proengine/engine"
)

// StartSpan starts a span on the global tracer.
//
// # Example
//
//	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerEngine, "Engine.Respond",
//	    trace.WithAttributes(attribute.String("key", key)))
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName, opts...)
}

// RecordError marks span as failed with err. No-op for a nil err.
func RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	var opts []trace.EventOption
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span as successful.
func SetSpanOK(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// Instruments are the OTel metric instruments recorded by the engine. They
// are bound to whatever MeterProvider is global when NewInstruments runs.
type Instruments struct {
	Replies       metric.Int64Counter
	ForecastNodes metric.Int64Histogram
}

// NewInstruments creates the engine's OTel instruments.
func NewInstruments() (*Instruments, error) {
	meter := otel.Meter(TracerEngine)

	replies, err := meter.Int64Counter("proengine.replies",
		metric.WithDescription("Replies produced by Respond"))
	if err != nil {
		return nil, err
	}
	nodes, err := meter.Int64Histogram("proengine.forecast.nodes",
		metric.WithDescription("Forecast tree size per expansion"))
	if err != nil {
		return nil, err
	}
	return &Instruments{Replies: replies, ForecastNodes: nodes}, nil
}
