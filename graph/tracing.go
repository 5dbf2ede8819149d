package graph

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/MR-GREEN1337/wakil/graph"

func defaultTracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

func (r *StateRunnable[S]) startRunSpan(ctx context.Context, start string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "wakil.graph.run",
		trace.WithAttributes(attribute.String("graph.start", start)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (r *StateRunnable[S]) startNodeSpan(ctx context.Context, node string, step int) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "wakil.graph.node."+node,
		trace.WithAttributes(
			attribute.String("node.name", node),
			attribute.Int("node.step", step),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
