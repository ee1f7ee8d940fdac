package order

import (
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/xenking/marketplace/internal/domain/order"

// Telemetry carries the OpenTelemetry providers used by the order services.
// Nil providers fall back to no-op implementations.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

func (t Telemetry) tracer() trace.Tracer {
	tp := t.TracerProvider
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

func (t Telemetry) meter() metric.Meter {
	mp := t.MeterProvider
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	return mp.Meter(instrumentationName)
}
