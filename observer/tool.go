package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/panelmux/panelmux"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedBackend wraps a panelmux.ToolBackend with OTEL instrumentation.
type ObservedBackend struct {
	inner panelmux.ToolBackend
	inst  *Instruments
}

var _ panelmux.ToolBackend = (*ObservedBackend)(nil)

// WrapToolBackend returns an instrumented tool backend.
func WrapToolBackend(inner panelmux.ToolBackend, inst *Instruments) *ObservedBackend {
	return &ObservedBackend{inner: inner, inst: inst}
}

func (o *ObservedBackend) ListTools(ctx context.Context) ([]panelmux.ToolDefinition, error) {
	return o.inner.ListTools(ctx)
}

func (o *ObservedBackend) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.call", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.CallTool(ctx, name, args)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(result)),
	)

	o.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(result)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}
