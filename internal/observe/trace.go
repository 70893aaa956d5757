package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scope names the tracer of this module.
const scope = "github.com/shannonbay/android-webrtc-aecm"

// Span attribute keys shared by the session and the app.
const (
	AttrHandle     = attribute.Key("aecm.handle")
	AttrSampleRate = attribute.Key("aecm.sample_rate")
	AttrFrameSize  = attribute.Key("aecm.frame_size")
	AttrMode       = attribute.Key("aecm.mode")
	AttrSource     = attribute.Key("aecm.config.source")

	attrEngine = attribute.Key("aecm.engine")
)

// StartSpan starts a span on the global tracer provider. End the returned
// span when the operation finishes.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(scope).Start(ctx, name, opts...)
}

// FailSpan records err on span and marks it failed. A nil err is ignored.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID is the trace ID of the span in ctx, or "" outside a trace.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, tagged with trace_id and span_id when
// ctx carries a valid span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
