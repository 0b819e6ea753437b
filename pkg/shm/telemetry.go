package shm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmq/pkg/shm"

type opKind int

const (
	opEnqueue opKind = iota
	opDequeue
	opKinds
)

type opResult int

const (
	resultOK opResult = iota
	resultFull
	resultEmpty
	resultInvalidSize
	resultLockTimeout
	resultError
	opResults
)

var (
	opNames     = [opKinds]string{"enqueue", "dequeue"}
	resultNames = [opResults]string{"ok", "full", "empty", "invalid_size", "lock_timeout", "error"}
)

// telemetry wraps the otel instruments of one queue. Attribute sets are
// built once so that recording an operation does not allocate.
type telemetry struct {
	tracer trace.Tracer
	ops    metric.Int64Counter
	sets   [opKinds][opResults]metric.AddOption
}

func newTelemetry(cfg *Config) (*telemetry, error) {
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	ops, err := meter.Int64Counter("shmq.queue.operations",
		metric.WithDescription("Queue operations by kind and result."),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}
	t := &telemetry{tracer: tracer, ops: ops}
	for op := opKind(0); op < opKinds; op++ {
		for res := opResult(0); res < opResults; res++ {
			t.sets[op][res] = metric.WithAttributeSet(attribute.NewSet(
				attribute.String("shmq.queue", cfg.Name),
				attribute.String("shmq.op", opNames[op]),
				attribute.String("shmq.result", resultNames[res]),
			))
		}
	}
	return t, nil
}

func (t *telemetry) record(op opKind, res opResult) {
	t.ops.Add(context.Background(), 1, t.sets[op][res])
}

func (t *telemetry) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
