// Package metrics holds the OpenTelemetry instruments shared by the lifecycle
// engine. A nil *Recorder is valid and records nothing.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "contractflow"

type Recorder struct {
	eventsRecorded      metric.Int64Counter
	transitionsRejected metric.Int64Counter
	sweepProcessed      metric.Int64Counter
	sweepFailed         metric.Int64Counter
	sweepSkipped        metric.Int64Counter
	alertsRaised        metric.Int64Counter
	sweepDuration       metric.Float64Histogram
}

// NewFromGlobal builds a Recorder on the globally registered meter provider.
func NewFromGlobal() (*Recorder, error) {
	return New(otel.GetMeterProvider())
}

func New(provider metric.MeterProvider) (*Recorder, error) {
	meter := provider.Meter(instrumentationName)
	r := &Recorder{}

	var err error
	if r.eventsRecorded, err = meter.Int64Counter("contractflow.events.recorded",
		metric.WithDescription("Lifecycle events appended to the log"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: events counter: %w", err)
	}
	if r.transitionsRejected, err = meter.Int64Counter("contractflow.transitions.rejected",
		metric.WithDescription("Lifecycle events rejected before append"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: rejected counter: %w", err)
	}
	if r.sweepProcessed, err = meter.Int64Counter("contractflow.sweep.processed",
		metric.WithDescription("Contracts expired by the sweeper"),
		metric.WithUnit("{contract}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: sweep processed counter: %w", err)
	}
	if r.sweepFailed, err = meter.Int64Counter("contractflow.sweep.failed",
		metric.WithDescription("Contracts the sweeper failed to expire"),
		metric.WithUnit("{contract}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: sweep failed counter: %w", err)
	}
	if r.sweepSkipped, err = meter.Int64Counter("contractflow.sweep.skipped",
		metric.WithDescription("Sweeps skipped because another holder owned the lease"),
		metric.WithUnit("{sweep}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: sweep skipped counter: %w", err)
	}
	if r.alertsRaised, err = meter.Int64Counter("contractflow.alerts.raised",
		metric.WithDescription("Alerts inserted by the alert engine"),
		metric.WithUnit("{alert}"),
	); err != nil {
		return nil, fmt.Errorf("metrics: alerts counter: %w", err)
	}
	if r.sweepDuration, err = meter.Float64Histogram("contractflow.sweep.duration",
		metric.WithDescription("Wall time of one sweep run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	); err != nil {
		return nil, fmt.Errorf("metrics: sweep duration histogram: %w", err)
	}
	return r, nil
}

func (r *Recorder) EventRecorded(ctx context.Context, tenant, eventType string, forced bool) {
	if r == nil {
		return
	}
	r.eventsRecorded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenant),
		attribute.String("event_type", eventType),
		attribute.Bool("forced", forced),
	))
}

func (r *Recorder) TransitionRejected(ctx context.Context, tenant, eventType, reason string) {
	if r == nil {
		return
	}
	r.transitionsRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenant),
		attribute.String("event_type", eventType),
		attribute.String("reason", reason),
	))
}

// SweepFinished records the outcome of one sweep run.
func (r *Recorder) SweepFinished(ctx context.Context, tenant string, processed, failed int, skipped bool, seconds float64) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tenant_id", tenant))
	if skipped {
		r.sweepSkipped.Add(ctx, 1, attrs)
		return
	}
	r.sweepProcessed.Add(ctx, int64(processed), attrs)
	r.sweepFailed.Add(ctx, int64(failed), attrs)
	r.sweepDuration.Record(ctx, seconds, attrs)
}

func (r *Recorder) AlertsRaised(ctx context.Context, tenant, alertType string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.alertsRaised.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("tenant_id", tenant),
		attribute.String("alert_type", alertType),
	))
}
