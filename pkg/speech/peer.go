// Package speech adapts an OpenAI Realtime session to the call orchestrator.
//
// A Peer translates orchestrator intents (configure, append audio, request a
// response, truncate, submit a tool result) into Realtime client events, and
// routes server events to a Handler from a single read goroutine, in arrival
// order.
package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	openairt "github.com/WqyJh/go-openai-realtime"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini-realtime-preview"

// ErrPeerClosed is returned by sends after Close.
var ErrPeerClosed = errors.New("speech: peer closed")

// Conn is the subset of *openairt.Conn used by Peer.
type Conn interface {
	SendMessage(ctx context.Context, msg openairt.ClientEvent) error
	ReadMessage(ctx context.Context) (openairt.ServerEvent, error)
	Close() error
}

// Dialer opens a Realtime connection.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// OpenAIDialer dials the OpenAI Realtime API.
type OpenAIDialer struct {
	APIKey string
	Model  string
}

// Dial connects to the Realtime API.
func (d OpenAIDialer) Dial(ctx context.Context) (Conn, error) {
	model := d.Model
	if model == "" {
		model = DefaultModel
	}
	client := openairt.NewClient(d.APIKey)
	conn, err := client.Connect(ctx, openairt.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("connect realtime %s: %w", model, err)
	}
	return conn, nil
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

// Handler receives routed server events. Callbacks run on the read goroutine.
type Handler interface {
	OnAudioDelta(itemID, payload string)
	OnSpeechStarted()
	OnToolCall(call ToolCall)
	OnTranscriptDone(text string)
	OnUserTranscript(text string)
	OnResponseDone()
	// OnPeerClosed is called once when the read loop stops for a reason other
	// than Close.
	OnPeerClosed(err error)
}

// Peer is one Realtime session.
type Peer struct {
	conn   Conn
	logger *zap.Logger

	// openairt.Conn writes are not safe for concurrent use
	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewPeer wraps an open connection.
func NewPeer(conn Conn, logger *zap.Logger) *Peer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Peer{
		conn:   conn,
		logger: logger.Named("speech-peer"),
	}
}

func (p *Peer) send(ctx context.Context, msg openairt.ClientEvent) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed.Load() {
		return ErrPeerClosed
	}
	if err := p.conn.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.ClientEventType(), err)
	}
	return nil
}

// Configure sends the session configuration. It must precede any audio.
func (p *Peer) Configure(ctx context.Context, instructions, voice string, tools []openairt.Tool) error {
	return p.send(ctx, openairt.SessionUpdateEvent{
		Session: openairt.ClientSession{
			Modalities:        []openairt.Modality{openairt.ModalityText, openairt.ModalityAudio},
			Instructions:      instructions,
			Voice:             openairt.Voice(voice),
			InputAudioFormat:  openairt.AudioFormatG711Ulaw,
			OutputAudioFormat: openairt.AudioFormatG711Ulaw,
			InputAudioTranscription: &openairt.InputAudioTranscription{
				Model: openai.Whisper1,
			},
			TurnDetection: &openairt.ClientTurnDetection{
				Type: openairt.ClientTurnDetectionTypeServerVad,
			},
			Tools:      tools,
			ToolChoice: openairt.ToolChoiceAuto,
		},
	})
}

// AppendAudio forwards one base64 μ-law chunk.
func (p *Peer) AppendAudio(ctx context.Context, payload string) error {
	return p.send(ctx, openairt.InputAudioBufferAppendEvent{Audio: payload})
}

// RequestResponse asks the model for a new spoken turn.
func (p *Peer) RequestResponse(ctx context.Context, instructions string) error {
	return p.send(ctx, openairt.ResponseCreateEvent{
		Response: openairt.ResponseCreateParams{
			Modalities:   []openairt.Modality{openairt.ModalityText, openairt.ModalityAudio},
			Instructions: instructions,
		},
	})
}

// Truncate tells the model that playback of itemID stopped after elapsedMs.
func (p *Peer) Truncate(ctx context.Context, itemID string, elapsedMs int64) error {
	return p.send(ctx, openairt.ConversationItemTruncateEvent{
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   int(elapsedMs),
	})
}

// SubmitToolResult attaches outcome to the function call callID.
func (p *Peer) SubmitToolResult(ctx context.Context, callID, outcome string) error {
	return p.send(ctx, openairt.ConversationItemCreateEvent{
		Item: openairt.MessageItem{
			Type:   openairt.MessageItemTypeFunctionCallOutput,
			CallID: callID,
			Output: outcome,
		},
	})
}

// Run reads server events until ctx is cancelled, the peer is closed or the
// connection fails.
func (p *Peer) Run(ctx context.Context, h Handler) {
	for {
		evt, err := p.conn.ReadMessage(ctx)
		if err != nil {
			if p.closed.Load() || ctx.Err() != nil {
				return
			}
			p.logger.Warn("read loop stopped", zap.Error(err))
			h.OnPeerClosed(err)
			return
		}
		p.route(evt, h)
	}
}

func (p *Peer) route(evt openairt.ServerEvent, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic", zap.Any("panic", r), zap.String("event", string(evt.ServerEventType())))
		}
	}()

	switch e := evt.(type) {
	case openairt.ResponseAudioDeltaEvent:
		h.OnAudioDelta(e.ItemID, e.Delta)
	case openairt.InputAudioBufferSpeechStartedEvent:
		h.OnSpeechStarted()
	case openairt.ResponseFunctionCallArgumentsDoneEvent:
		h.OnToolCall(ToolCall{CallID: e.CallID, Name: e.Name, Arguments: e.Arguments})
	case openairt.ResponseAudioTranscriptDoneEvent:
		h.OnTranscriptDone(e.Transcript)
	case openairt.ConversationItemInputAudioTranscriptionCompletedEvent:
		h.OnUserTranscript(e.Transcript)
	case openairt.ResponseDoneEvent:
		h.OnResponseDone()
	case openairt.ErrorEvent:
		data, _ := json.Marshal(e)
		p.logger.Error("server error event", zap.ByteString("event", data))
	case openairt.SessionUpdatedEvent:
		p.logger.Info("session updated")
	default:
		p.logger.Debug("ignoring server event", zap.String("type", string(evt.ServerEventType())))
	}
}

// Close closes the connection. Safe to call more than once.
func (p *Peer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.conn.Close()
}
