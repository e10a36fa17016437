package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instruments bundles the tracer and metrics one component records to.
// The zero value is not usable; call NewInstruments.
type Instruments struct {
	tracer   trace.Tracer
	runs     metric.Int64Counter
	duration metric.Float64Histogram
	errs     metric.Int64Counter
}

// NewInstruments creates the counters for a component. prefix names the
// metrics, e.g. "dvcsync.sync" yields dvcsync.sync.runs and
// dvcsync.sync.duration_ms.
func NewInstruments(scope, prefix string) *Instruments {
	m := Meter(scope)
	runs, _ := m.Int64Counter(prefix+".runs",
		metric.WithDescription("Operations completed, by outcome"),
	)
	duration, _ := m.Float64Histogram(prefix+".duration_ms",
		metric.WithDescription("Operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter(prefix+".errors",
		metric.WithDescription("Operations that returned an error"),
	)
	return &Instruments{
		tracer:   Tracer(scope),
		runs:     runs,
		duration: duration,
		errs:     errs,
	}
}

// Start opens a span for one operation
func (i *Instruments) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := i.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span, time.Now()
}

// Done ends the span and records the outcome label, duration and error
func (i *Instruments) Done(ctx context.Context, span trace.Span, start time.Time, outcome string, err error, attrs ...attribute.KeyValue) {
	all := append([]attribute.KeyValue{attribute.String("outcome", outcome)}, attrs...)
	i.runs.Add(ctx, 1, metric.WithAttributes(all...))
	i.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	span.End()
}

// Count adds one to the runs counter without a span, for per-item outcomes
func (i *Instruments) Count(ctx context.Context, outcome string, attrs ...attribute.KeyValue) {
	all := append([]attribute.KeyValue{attribute.String("outcome", outcome)}, attrs...)
	i.runs.Add(ctx, 1, metric.WithAttributes(all...))
}
