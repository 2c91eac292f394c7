// Package connection implements the telephony side of a call: the Twilio
// Media Streams WebSocket protocol, its event vocabulary and the lifecycle of
// one stream connection.
package connection

import "errors"

// ConnectionState represents the lifecycle state of a media stream connection.
type ConnectionState int

const (
	// ConnectionStateNew - socket accepted, read loop not started
	ConnectionStateNew ConnectionState = iota
	// ConnectionStateConnecting - read loop running, waiting for the start event
	ConnectionStateConnecting
	// ConnectionStateConnected - start event received, stream identifiers known
	ConnectionStateConnected
	// ConnectionStateDisconnected - Twilio sent stop; the socket may still be open
	ConnectionStateDisconnected
	// ConnectionStateFailed - the socket failed with a read error
	ConnectionStateFailed
	// ConnectionStateClosed - socket closed, no further events
	ConnectionStateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateNew:
		return "new"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrChannelClosed is returned by outbound writes after the connection closed.
var ErrChannelClosed = errors.New("connection: channel closed")

// ConnectionEventHandler receives inbound stream events in arrival order.
// Callbacks run on the connection's read goroutine and must not block for long.
type ConnectionEventHandler interface {
	// OnConnectionStateChange is called when the connection state changes.
	OnConnectionStateChange(state ConnectionState)

	// OnEvent is called for every decoded inbound event.
	OnEvent(evt Event)

	// OnError is called when the socket fails.
	OnError(err error)
}

// NoOpConnectionEventHandler is a no-op implementation for convenience.
type NoOpConnectionEventHandler struct{}

func (h *NoOpConnectionEventHandler) OnConnectionStateChange(state ConnectionState) {}
func (h *NoOpConnectionEventHandler) OnEvent(evt Event)                             {}
func (h *NoOpConnectionEventHandler) OnError(err error)                             {}
