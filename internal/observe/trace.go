package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/callrelay"

// Span attributes set on call spans.
const (
	AttrCallID   = attribute.Key("call.id")
	AttrTenantID = attribute.Key("call.tenant_id")
	AttrAgentID  = attribute.Key("call.agent_id")
	AttrOutcome  = attribute.Key("call.outcome")
)

// Tracer returns the callrelay tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan starts a span for one stage of a call, tagged with its id.
func StartCallSpan(ctx context.Context, name, callID string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(AttrCallID.String(callID)))
}

// TagCall adds the tenant and agent a call is bound to. Empty ids are
// skipped.
func TagCall(span trace.Span, tenantID, agentID string) {
	if tenantID != "" {
		span.SetAttributes(AttrTenantID.String(tenantID))
	}
	if agentID != "" {
		span.SetAttributes(AttrAgentID.String(agentID))
	}
}

// RecordOutcome sets the outcome of a call stage on span. A non-nil err marks
// the span failed.
func RecordOutcome(span trace.Span, outcome string, err error) {
	if outcome != "" {
		span.SetAttributes(AttrOutcome.String(outcome))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// CorrelationID returns the trace id in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx
// attached when ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// CallLogger is [Logger] tagged with call_id, so one call's lines can be
// found by either id.
func CallLogger(ctx context.Context, callID string) *slog.Logger {
	return Logger(ctx).With(slog.String("call_id", callID))
}
