package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "lmsbridge.dispatch"

// Metrics provides OpenTelemetry instruments for dispatch cycles.
type Metrics struct {
	cyclesTotal   metric.Int64Counter
	eventsSent    metric.Int64Counter
	eventsFailed  metric.Int64Counter
	eventsCleaned metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

// NewMetrics creates the dispatch instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	cyclesTotal, err := meter.Int64Counter(
		"dispatch_cycles_total",
		metric.WithDescription("Total number of dispatch cycles by outcome"),
	)
	if err != nil {
		return nil, err
	}

	eventsSent, err := meter.Int64Counter(
		"dispatch_events_sent_total",
		metric.WithDescription("Total number of events acknowledged by the control plane"),
	)
	if err != nil {
		return nil, err
	}

	eventsFailed, err := meter.Int64Counter(
		"dispatch_events_failed_total",
		metric.WithDescription("Total number of per-event delivery failures"),
	)
	if err != nil {
		return nil, err
	}

	eventsCleaned, err := meter.Int64Counter(
		"dispatch_events_cleaned_total",
		metric.WithDescription("Total number of events pruned by retention cleanup"),
	)
	if err != nil {
		return nil, err
	}

	cycleDuration, err := meter.Float64Histogram(
		"dispatch_cycle_duration_seconds",
		metric.WithDescription("Duration of dispatch cycles"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cyclesTotal:   cyclesTotal,
		eventsSent:    eventsSent,
		eventsFailed:  eventsFailed,
		eventsCleaned: eventsCleaned,
		cycleDuration: cycleDuration,
	}, nil
}

// RecordCycle records the instruments for one completed cycle.
func (m *Metrics) RecordCycle(ctx context.Context, summary CycleSummary) {
	outcome := attribute.String("outcome", summary.Outcome)

	m.cyclesTotal.Add(ctx, 1, metric.WithAttributes(outcome))
	if summary.Sent > 0 {
		m.eventsSent.Add(ctx, int64(summary.Sent))
	}
	if summary.Failed > 0 {
		m.eventsFailed.Add(ctx, int64(summary.Failed), metric.WithAttributes(outcome))
	}
	if summary.Cleaned > 0 {
		m.eventsCleaned.Add(ctx, summary.Cleaned)
	}
	if summary.Duration > 0 {
		m.cycleDuration.Record(ctx, summary.Duration.Seconds(), metric.WithAttributes(outcome))
	}
}
