package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pipelineforge"

// StartRunSpan starts a span covering one pipeline run.
func StartRunSpan(ctx context.Context, sessionID string, stages int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("pipeline.stages", stages),
		),
	)
}

// StartStageSpan starts a span for one stage, retries and fallback included.
func StartStageSpan(ctx context.Context, sessionID, stage string, revision int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "stage",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("stage.name", stage),
			attribute.Int("pipeline.revision", revision),
		),
	)
}

// StartGateSpan starts a span for a quality gate evaluation.
func StartGateSpan(ctx context.Context, sessionID string, revision int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "quality_gate",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("pipeline.revision", revision),
		),
	)
}

// StartSessionSpan starts a span for one collaboration operation.
func StartSessionSpan(ctx context.Context, sessionID, op string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "collab."+op,
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
}
