package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/findings-scheduler"

// Attribute keys shared by scheduler spans.
const (
	AttrCycleID    = attribute.Key("scheduler.cycle_id")
	AttrState      = attribute.Key("scheduler.state")
	AttrProviderID = attribute.Key("scheduler.provider_id")
	AttrTarget     = attribute.Key("scheduler.dispatch.target")
	AttrStatusCode = attribute.Key("scheduler.dispatch.status_code")
	AttrCount      = attribute.Key("scheduler.count")
)

// StartCycleSpan opens the root span of one scheduling cycle.
func StartCycleSpan(ctx context.Context, cycleID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "scheduler.cycle",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrCycleID.String(cycleID)),
	)
}

// StartStateSpan opens a child span for one state of the cycle state machine.
func StartStateSpan(ctx context.Context, state string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "scheduler.state "+state,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrState.String(state)),
	)
}

// StartDispatchSpan opens a client span around one task invocation.
func StartDispatchSpan(ctx context.Context, target, providerID string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "dispatch "+target,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrTarget.String(target),
			AttrProviderID.String(providerID),
		),
	)
}

// RecordError marks span as failed. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
