package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentSessionSetup creates a span covering config fetch, peer dial and
// the configuration handshake of one call
func InstrumentSessionSetup(ctx context.Context, callSid, streamSid, orgID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "session.setup",
		trace.WithAttributes(CallAttrs(callSid, streamSid, orgID)...),
	)
}

// InstrumentRealtimeConnect creates a span for dialing the speech peer
func InstrumentRealtimeConnect(ctx context.Context, voice string) (context.Context, trace.Span) {
	return StartSpan(ctx, "realtime.connect",
		trace.WithAttributes(attribute.String(AttrRealtimeVoice, voice)),
	)
}

// InstrumentToolDispatch creates a span for one tool side effect
func InstrumentToolDispatch(ctx context.Context, callSid, name, callID string) (context.Context, trace.Span) {
	attrs := ToolAttrs(name, callID)
	attrs = append(attrs, attribute.String(AttrCallSid, callSid))
	return StartSpan(ctx, "tool.dispatch", trace.WithAttributes(attrs...))
}

// InstrumentConnectionClosed creates a span for connection closure
func InstrumentConnectionClosed(ctx context.Context, connID, connType string) (context.Context, trace.Span) {
	return StartSpan(ctx, "connection.closed",
		trace.WithAttributes(
			ConnectionAttrs(connID, connType, "closed")...,
		),
	)
}
