package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics are the crawl counters. Instruments are bound to the global meter
// provider at construction, so call NewMetrics after Setup.
type Metrics struct {
	visits      metric.Int64Counter
	records     metric.Int64Counter
	retries     metric.Int64Counter
	rotations   metric.Int64Counter
	visitTiming metric.Float64Histogram
}

// NewMetrics creates the crawl instruments.
func NewMetrics() *Metrics {
	meter := otel.Meter("github.com/hazyhaar/trendscrape")
	m := &Metrics{}
	m.visits, _ = meter.Int64Counter("trends.visits",
		metric.WithDescription("Finished page visits by outcome"))
	m.records, _ = meter.Int64Counter("trends.records",
		metric.WithDescription("Records accepted by the sinks by kind"))
	m.retries, _ = meter.Int64Counter("trends.retries",
		metric.WithDescription("Visit retries by reason"))
	m.rotations, _ = meter.Int64Counter("trends.session_rotations",
		metric.WithDescription("Egress identities discarded for their error score"))
	m.visitTiming, _ = meter.Float64Histogram("trends.visit.duration",
		metric.WithDescription("Wall time of a visit"), metric.WithUnit("s"))
	return m
}

// Visit records one finished visit.
func (m *Metrics) Visit(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.visits.Add(ctx, 1, attrs)
	m.visitTiming.Record(ctx, d.Seconds(), attrs)
}

// Record counts an emitted record of kind data, no_data or debug.
func (m *Metrics) Record(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.records.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Retry counts a scheduled retry.
func (m *Metrics) Retry(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Rotation counts a discarded identity.
func (m *Metrics) Rotation(ctx context.Context) {
	if m == nil {
		return
	}
	m.rotations.Add(ctx, 1)
}
