package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tracer opens spans for workflow node invocations (StartNode) and offers
// StartSandboxExec for sandbox execs, which no caller in this module uses;
// sandbox execs are not traced. It holds no opinion on where spans go: callers inject a trace.TracerProvider,
// and a nil provider (or one never set) falls back to otel's no-op tracer,
// so the engine never needs a collector present to run.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer builds a Tracer against provider. A nil provider uses
// otel.GetTracerProvider(), which is the no-op implementation unless
// something else has called otel.SetTracerProvider.
func NewTracer(provider trace.TracerProvider, name string) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{tracer: provider.Tracer(name)}
}

// StartNode opens a span for one workflow node invocation.
func (t *Tracer) StartNode(ctx context.Context, node string, taskID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "node."+node, trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("node", node),
			attribute.String("task_id", taskID),
		))
}

// StartSandboxExec opens a span for one sandbox exec call.
func (t *Tracer) StartSandboxExec(ctx context.Context, kind string, taskID string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "sandbox."+kind, trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("task_id", taskID),
		))
}

// End records err on span, if any, and closes it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
