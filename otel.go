package summary

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/summary"
)

// Instrumented operations.
const (
	opGet    = "get"
	opSave   = "save"
	opLoad   = "load"
	opRemove = "remove"
	opClear  = "clear"
	opEvict  = "evict"
)

var instrumentedOps = []string{opGet, opSave, opLoad, opRemove, opClear, opEvict}

// opInstruments are the metrics kept for one operation.
type opInstruments struct {
	latency metric.Float64Histogram
	count   metric.Int64Counter
	errors  metric.Int64Counter
}

// otelInstrumentation holds OpenTelemetry instrumentation for a summary.
type otelInstrumentation struct {
	folder attribute.KeyValue

	tracingEnabled bool
	tracer         trace.Tracer

	metricsEnabled bool
	ops            map[string]*opInstruments
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	evicted        metric.Int64Counter
	written        metric.Int64Counter
}

func newOtelInstrumentation(folderID string, opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		folder:         attribute.String("summary.folder", folderID),
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)
	o.ops = make(map[string]*opInstruments, len(instrumentedOps))

	for _, op := range instrumentedOps {
		inst := &opInstruments{}
		var err error
		inst.latency, err = meter.Float64Histogram(
			"summary."+op+".duration",
			metric.WithDescription("Duration of "+op+" operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			return err
		}
		inst.count, err = meter.Int64Counter(
			"summary."+op+".count",
			metric.WithDescription("Number of "+op+" operations"),
		)
		if err != nil {
			return err
		}
		inst.errors, err = meter.Int64Counter(
			"summary."+op+".errors",
			metric.WithDescription("Number of failed "+op+" operations"),
		)
		if err != nil {
			return err
		}
		o.ops[op] = inst
	}

	var err error
	if o.cacheHits, err = meter.Int64Counter("summary.cache.hits",
		metric.WithDescription("Get calls served from memory")); err != nil {
		return err
	}
	if o.cacheMisses, err = meter.Int64Counter("summary.cache.misses",
		metric.WithDescription("Get calls that read the store")); err != nil {
		return err
	}
	if o.evicted, err = meter.Int64Counter("summary.cache.evicted",
		metric.WithDescription("Records dropped from memory by eviction")); err != nil {
		return err
	}
	if o.written, err = meter.Int64Counter("summary.save.records",
		metric.WithDescription("Records written by save")); err != nil {
		return err
	}
	return nil
}

// startSpan starts a span if tracing is enabled. The returned func ends it.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(append(attrs, o.folder)...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// record records latency, count and errors for op.
func (o *otelInstrumentation) record(ctx context.Context, op string, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}
	inst, ok := o.ops[op]
	if !ok {
		return
	}
	attrs := metric.WithAttributes(o.folder)
	inst.latency.Record(ctx, duration.Seconds(), attrs)
	inst.count.Add(ctx, 1, attrs)
	if err != nil {
		inst.errors.Add(ctx, 1, attrs)
	}
}

func (o *otelInstrumentation) recordLookup(ctx context.Context, hit bool) {
	if !o.metricsEnabled {
		return
	}
	if hit {
		o.cacheHits.Add(ctx, 1, metric.WithAttributes(o.folder))
	} else {
		o.cacheMisses.Add(ctx, 1, metric.WithAttributes(o.folder))
	}
}

func (o *otelInstrumentation) recordEvicted(ctx context.Context, n int) {
	if !o.metricsEnabled || n == 0 {
		return
	}
	o.evicted.Add(ctx, int64(n), metric.WithAttributes(o.folder))
}

func (o *otelInstrumentation) recordWritten(ctx context.Context, n int) {
	if !o.metricsEnabled || n == 0 {
		return
	}
	o.written.Add(ctx, int64(n), metric.WithAttributes(o.folder))
}
