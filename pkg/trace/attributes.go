package trace

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys used throughout the application
const (
	// Call attributes
	AttrCallSid        = "call.sid"
	AttrStreamSid      = "call.stream_sid"
	AttrOrganizationID = "call.organization_id"
	AttrCallPhase      = "call.phase"

	// Connection attributes
	AttrConnectionID    = "connection.id"
	AttrConnectionType  = "connection.type"
	AttrConnectionState = "connection.state"

	// Realtime attributes
	AttrRealtimeVoice = "realtime.voice"

	// Tool attributes
	AttrToolName    = "tool.name"
	AttrToolCallID  = "tool.call_id"
	AttrToolOutcome = "tool.outcome"

	// Error attributes
	AttrErrorType    = "error.type"
	AttrErrorMessage = "error.message"
)

// CallAttrs creates attributes identifying a call
func CallAttrs(callSid, streamSid, orgID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCallSid, callSid),
		attribute.String(AttrStreamSid, streamSid),
		attribute.String(AttrOrganizationID, orgID),
	}
}

// ConnectionAttrs creates attributes for connection information
func ConnectionAttrs(connID, connType, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrConnectionID, connID),
		attribute.String(AttrConnectionType, connType),
		attribute.String(AttrConnectionState, state),
	}
}

// ToolAttrs creates attributes for a tool invocation
func ToolAttrs(name, callID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrToolName, name),
		attribute.String(AttrToolCallID, callID),
	}
}

// ErrorAttrs creates attributes for errors
func ErrorAttrs(errType, errMsg string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrErrorType, errType),
		attribute.String(AttrErrorMessage, errMsg),
	}
}
