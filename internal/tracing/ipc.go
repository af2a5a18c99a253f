package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const ipcTracerName = "oms-ipc"

func ipcTracer() trace.Tracer {
	return Tracer(ipcTracerName)
}

// StartVerb creates a span for a single IPC verb dispatch.
func StartVerb(ctx context.Context, verbType, taskID, agentID string) (context.Context, trace.Span) {
	ctx, span := ipcTracer().Start(ctx, "ipc."+verbType,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	span.SetAttributes(
		attribute.String("verb.type", verbType),
		attribute.String("task_id", taskID),
		attribute.String("agent_id", agentID),
	)
	return ctx, span
}

// EndVerb records the outcome of a verb dispatch on its span.
func EndVerb(span trace.Span, ok bool, err error) {
	span.SetAttributes(attribute.Bool("ok", ok))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
