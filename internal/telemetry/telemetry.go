// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package telemetry records OpenTelemetry spans and metrics for agent calls
// and chapter progress. A nil *Recorder is valid and records nothing.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/pdiddy/book-engine"

// Recorder holds the instruments. They are created once and reused.
type Recorder struct {
	tracer trace.Tracer

	// calls counts agent calls by role and outcome.
	calls metric.Int64Counter

	// retries counts transient retries by role.
	retries metric.Int64Counter

	// latency records agent call duration in milliseconds.
	latency metric.Float64Histogram

	// chapters counts chapters reaching a terminal status.
	chapters metric.Int64Counter
}

// New creates a Recorder. Nil providers fall back to the global ones.
func New(tp trace.TracerProvider, mp metric.MeterProvider) (*Recorder, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	r := &Recorder{tracer: tp.Tracer(instrumentationName)}
	var err error
	if r.calls, err = meter.Int64Counter("book.agent.calls",
		metric.WithDescription("Agent calls by role and outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create calls counter: %w", err)
	}
	if r.retries, err = meter.Int64Counter("book.agent.retries",
		metric.WithDescription("Transient agent retries"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	if r.latency, err = meter.Float64Histogram("book.agent.duration",
		metric.WithDescription("Agent call duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	if r.chapters, err = meter.Int64Counter("book.chapters",
		metric.WithDescription("Chapters reaching a terminal status"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, fmt.Errorf("create chapters counter: %w", err)
	}
	return r, nil
}

// StartAgentCall opens a span for one agent task. The returned func ends
// it and records the outcome.
func (r *Recorder) StartAgentCall(ctx context.Context, role string, chapter int) (context.Context, func(attempts int, err error)) {
	if r == nil {
		return ctx, func(int, error) {}
	}
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "agent."+role, trace.WithAttributes(
		attribute.String("agent.role", role),
		attribute.Int("book.chapter", chapter),
	))
	return ctx, func(attempts int, err error) {
		defer span.End()
		outcome := "ok"
		span.SetAttributes(attribute.Int("agent.attempts", attempts))
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		attrs := metric.WithAttributes(
			attribute.String("agent.role", role),
			attribute.String("outcome", outcome),
		)
		r.calls.Add(ctx, 1, attrs)
		r.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	}
}

// Retry counts one transient retry.
func (r *Recorder) Retry(ctx context.Context, role string) {
	if r == nil {
		return
	}
	r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.role", role)))
}

// ChapterDone counts a chapter reaching status.
func (r *Recorder) ChapterDone(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.chapters.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
