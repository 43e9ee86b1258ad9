package observer

import (
	"context"
	"io"
	"time"

	"github.com/panelmux/panelmux"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedClient wraps a panelmux.CompletionClient with OTEL instrumentation.
type ObservedClient struct {
	inner panelmux.CompletionClient
	inst  *Instruments
}

var _ panelmux.CompletionClient = (*ObservedClient)(nil)

// WrapClient returns an instrumented client that emits traces, metrics, and logs.
func WrapClient(inner panelmux.CompletionClient, inst *Instruments) *ObservedClient {
	return &ObservedClient{inner: inner, inst: inst}
}

func (o *ObservedClient) Complete(ctx context.Context, req panelmux.ChatRequest) (panelmux.ChatResponse, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(AttrLLMModel.String(req.Model)),
	}
	spanName := "llm.complete"
	method := "complete"
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
		spanName = "llm.complete_with_tools"
		method = "complete_with_tools"
	}

	ctx, span := o.inst.Tracer.Start(ctx, spanName, spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Complete(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.InputTokens),
		AttrTokensOutput.Int(resp.Usage.OutputTokens),
	)
	o.record(ctx, req.Model, method, status, durationMs, resp.Usage)
	return resp, err
}

// Stream instruments the request open only. The body is consumed by the
// stream registry, which carries its own span for the read loop.
func (o *ObservedClient) Stream(ctx context.Context, req panelmux.ChatRequest) (io.ReadCloser, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream_open", trace.WithAttributes(
		AttrLLMModel.String(req.Model),
	))
	defer span.End()
	start := time.Now()

	body, err := o.inner.Stream(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.inst.StreamSessions.Add(ctx, 1, metric.WithAttributes(
		AttrLLMModel.String(req.Model),
		attribute.String("status", status),
	))
	o.record(ctx, req.Model, "stream", status, durationMs, panelmux.Usage{})
	return body, err
}

func (o *ObservedClient) record(ctx context.Context, model, method, status string, durationMs float64, usage panelmux.Usage) {
	attrs := metric.WithAttributes(
		AttrLLMModel.String(model),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	)
	o.inst.LLMRequests.Add(ctx, 1, attrs)
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)
	if usage.InputTokens > 0 {
		o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
			AttrLLMModel.String(model), attribute.String("direction", "input")))
	}
	if usage.OutputTokens > 0 {
		o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
			AttrLLMModel.String(model), attribute.String("direction", "output")))
	}

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm request"))
	rec.AddAttributes(
		otellog.String("llm.model", model),
		otellog.String("llm.method", method),
		otellog.String("llm.status", status),
		otellog.Float64("llm.duration_ms", durationMs),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
	)
	o.inst.Logger.Emit(ctx, rec)
}
