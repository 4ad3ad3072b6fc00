package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "corebase"

// StartLifecycleSpan starts a span for a project lifecycle operation
// (start, stop, restart, reclaim).
func StartLifecycleSpan(ctx context.Context, op, projectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "lifecycle."+op,
		trace.WithAttributes(
			attribute.String("project.id", projectID),
		),
	)
}

// StartProvisionSpan starts a span for a cold environment provision.
func StartProvisionSpan(ctx context.Context, template string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "provision",
		trace.WithAttributes(
			attribute.String("environment.template", template),
		),
	)
}

// StartExecSpan starts a span for a command execution inside an environment.
func StartExecSpan(ctx context.Context, environmentID, command string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "exec",
		trace.WithAttributes(
			attribute.String("environment.id", environmentID),
			attribute.String("exec.command", command),
		),
	)
}
