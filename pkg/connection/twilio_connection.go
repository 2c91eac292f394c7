package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DefaultWriteWait bounds a single outbound frame write.
const DefaultWriteWait = 10 * time.Second

// TwilioConnection carries one Twilio Media Streams WebSocket.
//
// Inbound messages are decoded into Event values and delivered to registered
// handlers on the read goroutine, in arrival order. Outbound media, mark and
// clear messages are written synchronously under a single write mutex, so the
// order on the wire is the order of the calls.
//
// Audio is passed through untouched: Twilio sends base64 μ-law at 8kHz and the
// speech peer is configured for the same format.
//
// Reference: https://www.twilio.com/docs/voice/media-streams
type TwilioConnection struct {
	conn     *websocket.Conn
	logger   *zap.Logger
	handlers []ConnectionEventHandler

	// Assigned locally until the start event provides Twilio identifiers.
	connID string

	metaMu    sync.RWMutex
	streamSid string
	callSid   string

	writeWait time.Duration

	state   ConnectionState
	stateMu sync.RWMutex
	closed  atomic.Bool
	closeMu sync.Mutex

	// gorilla/websocket requires synchronized writes
	writeMu sync.Mutex
}

// NewTwilioConnection wraps an upgraded Media Streams socket.
func NewTwilioConnection(conn *websocket.Conn, logger *zap.Logger) *TwilioConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &TwilioConnection{
		conn:      conn,
		connID:    id,
		logger:    logger.Named("twilio-conn").With(zap.String("conn_id", id)),
		writeWait: DefaultWriteWait,
		state:     ConnectionStateNew,
	}
}

// ID returns the locally assigned connection identifier.
func (tc *TwilioConnection) ID() string {
	return tc.connID
}

// StreamSid returns the Twilio stream SID, empty before the start event.
func (tc *TwilioConnection) StreamSid() string {
	tc.metaMu.RLock()
	defer tc.metaMu.RUnlock()
	return tc.streamSid
}

// CallSid returns the Twilio call SID, empty before the start event.
func (tc *TwilioConnection) CallSid() string {
	tc.metaMu.RLock()
	defer tc.metaMu.RUnlock()
	return tc.callSid
}

// RegisterEventHandler registers a handler. Must be called before Run.
func (tc *TwilioConnection) RegisterEventHandler(handler ConnectionEventHandler) {
	tc.handlers = append(tc.handlers, handler)
}

// Run reads the socket until it closes or ctx is cancelled. It closes the
// connection before returning.
func (tc *TwilioConnection) Run(ctx context.Context) {
	defer tc.Close()

	tc.setState(ConnectionStateConnecting)

	stop := context.AfterFunc(ctx, func() {
		tc.Close()
	})
	defer stop()

	for {
		if tc.closed.Load() {
			return
		}

		_, message, err := tc.conn.ReadMessage()
		if err != nil {
			if tc.closed.Load() {
				return
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				tc.logger.Warn("read error", zap.Error(err))
				tc.setState(ConnectionStateFailed)
				tc.notifyError(err)
			}
			return
		}

		evt, err := DecodeEvent(message)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				tc.logger.Debug("ignoring event", zap.Error(err))
			} else {
				tc.logger.Warn("failed to parse message", zap.Error(err))
			}
			continue
		}

		tc.handleEvent(evt)
	}
}

func (tc *TwilioConnection) handleEvent(evt Event) {
	switch e := evt.(type) {
	case ConnectedEvent:
		tc.logger.Info("connected to media streams",
			zap.String("protocol", e.Protocol), zap.String("version", e.Version))
	case StartEvent:
		tc.metaMu.Lock()
		tc.streamSid = e.StreamSid
		tc.callSid = e.CallSid
		tc.metaMu.Unlock()
		tc.logger.Info("stream started",
			zap.String("stream_sid", e.StreamSid),
			zap.String("call_sid", e.CallSid),
			zap.Strings("tracks", e.Tracks),
			zap.String("encoding", e.MediaFormat.Encoding),
			zap.Int("sample_rate", e.MediaFormat.SampleRate))
	case StopEvent:
		tc.logger.Info("stream stopped")
	}

	for _, h := range tc.handlers {
		h.OnEvent(evt)
	}

	switch evt.(type) {
	case StartEvent:
		tc.setState(ConnectionStateConnected)
	case StopEvent:
		tc.setState(ConnectionStateDisconnected)
	}
}

// SendMedia queues a base64 μ-law payload for playback to the caller.
func (tc *TwilioConnection) SendMedia(payload string) error {
	return tc.write(TwilioMediaMessage{
		Event: EventNameMedia,
		Media: &TwilioMediaPayload{Payload: payload},
	})
}

// SendMark asks Twilio to echo name once all audio sent before it has played.
func (tc *TwilioConnection) SendMark(name string) error {
	return tc.write(TwilioMediaMessage{
		Event: EventNameMark,
		Mark:  &TwilioMarkPayload{Name: name},
	})
}

// ClearAudio drops any audio Twilio has buffered but not yet played.
func (tc *TwilioConnection) ClearAudio() error {
	tc.logger.Debug("clearing audio buffer")
	return tc.write(TwilioMediaMessage{Event: EventNameClear})
}

func (tc *TwilioConnection) write(msg TwilioMediaMessage) error {
	if tc.closed.Load() {
		return ErrChannelClosed
	}
	msg.StreamSid = tc.StreamSid()
	if msg.StreamSid == "" {
		return errors.New("connection: stream not started")
	}

	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	if err := tc.conn.SetWriteDeadline(time.Now().Add(tc.writeWait)); err != nil {
		return err
	}
	return tc.conn.WriteJSON(msg)
}

// Close closes the socket. Safe to call more than once.
func (tc *TwilioConnection) Close() error {
	tc.closeMu.Lock()
	defer tc.closeMu.Unlock()

	if tc.closed.Load() {
		return nil
	}
	tc.closed.Store(true)

	tc.logger.Info("closing connection")
	err := tc.conn.Close()

	tc.setState(ConnectionStateClosed)
	return err
}

// setState updates the connection state and notifies handlers.
func (tc *TwilioConnection) setState(state ConnectionState) {
	tc.stateMu.Lock()
	if tc.state == state || tc.state == ConnectionStateClosed {
		tc.stateMu.Unlock()
		return
	}
	tc.state = state
	tc.stateMu.Unlock()

	for _, h := range tc.handlers {
		h.OnConnectionStateChange(state)
	}
}

func (tc *TwilioConnection) notifyError(err error) {
	for _, h := range tc.handlers {
		h.OnError(err)
	}
}

// State returns the current connection state.
func (tc *TwilioConnection) State() ConnectionState {
	tc.stateMu.RLock()
	defer tc.stateMu.RUnlock()
	return tc.state
}
