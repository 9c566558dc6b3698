package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Instruments bundles the tracer and the metric instruments shared by the
// backend client and the progress channel.
type Instruments struct {
	Tracer trace.Tracer

	requestDuration metric.Float64Histogram
	eventsAccepted  metric.Int64Counter
	eventsDuplicate metric.Int64Counter
	eventsMalformed metric.Int64Counter
	refreshFailures metric.Int64Counter
}

// NewInstruments creates the metric instruments on meter
func NewInstruments(tracer trace.Tracer, meter metric.Meter) (*Instruments, error) {
	in := &Instruments{Tracer: tracer}
	var err error

	in.requestDuration, err = meter.Float64Histogram(
		"http.client.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request histogram: %w", err)
	}

	in.eventsAccepted, err = meter.Int64Counter(
		"progress.events.accepted",
		metric.WithDescription("Progress events appended to a stream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create accepted counter: %w", err)
	}

	in.eventsDuplicate, err = meter.Int64Counter(
		"progress.events.duplicate",
		metric.WithDescription("Progress events dropped as duplicates"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duplicate counter: %w", err)
	}

	in.eventsMalformed, err = meter.Int64Counter(
		"progress.events.malformed",
		metric.WithDescription("Progress payloads that could not be parsed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create malformed counter: %w", err)
	}

	in.refreshFailures, err = meter.Int64Counter(
		"directory.refresh.failures",
		metric.WithDescription("Session directory refreshes that failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh failure counter: %w", err)
	}

	return in, nil
}

// Noop returns instruments that record nothing
func Noop() *Instruments {
	in, err := NewInstruments(tracenoop.NewTracerProvider().Tracer(serviceName), metricnoop.NewMeterProvider().Meter(serviceName))
	if err != nil {
		// noop instruments never fail to build
		panic(err)
	}
	return in
}

// RecordRequest records the duration of one backend call
func (in *Instruments) RecordRequest(ctx context.Context, op string, status int, d time.Duration) {
	in.requestDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.Int("status", status),
		))
}

// EventAccepted counts one accepted progress event
func (in *Instruments) EventAccepted(ctx context.Context) {
	in.eventsAccepted.Add(ctx, 1)
}

// EventDuplicate counts one duplicate progress event
func (in *Instruments) EventDuplicate(ctx context.Context) {
	in.eventsDuplicate.Add(ctx, 1)
}

// EventMalformed counts one unparseable progress payload
func (in *Instruments) EventMalformed(ctx context.Context) {
	in.eventsMalformed.Add(ctx, 1)
}

// RefreshFailed counts one failed directory refresh
func (in *Instruments) RefreshFailed(ctx context.Context) {
	in.refreshFailures.Add(ctx, 1)
}
