package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Twilio Media Streams event names.
const (
	EventNameConnected = "connected"
	EventNameStart     = "start"
	EventNameMedia     = "media"
	EventNameMark      = "mark"
	EventNameDTMF      = "dtmf"
	EventNameStop      = "stop"
	EventNameClear     = "clear"
)

// Custom parameter keys set by the incoming-call TwiML.
const (
	ParamOrganizationID  = "organization_id"
	ParamCallerNumber    = "caller_number"
	ParamCallSid         = "call_sid"
	ParamGreetingMessage = "greeting_message"
)

// ErrUnknownEvent is returned by DecodeEvent for event names outside the
// Media Streams vocabulary.
var ErrUnknownEvent = errors.New("connection: unknown event")

// Event is one decoded inbound Media Streams message. The concrete type is one
// of ConnectedEvent, StartEvent, MediaEvent, MarkEvent, DTMFEvent or StopEvent.
type Event interface {
	EventName() string
	twilioEvent()
}

// ConnectedEvent is the first message Twilio sends on a new socket.
type ConnectedEvent struct {
	Protocol string
	Version  string
}

// StartEvent carries the stream identifiers and the TwiML custom parameters.
type StartEvent struct {
	StreamSid        string
	CallSid          string
	AccountSid       string
	Tracks           []string
	MediaFormat      MediaFormat
	CustomParameters map[string]string
}

// OrganizationID returns the organization_id custom parameter.
func (e StartEvent) OrganizationID() string { return e.CustomParameters[ParamOrganizationID] }

// CallerNumber returns the caller_number custom parameter, or "Unknown".
func (e StartEvent) CallerNumber() string {
	if v := e.CustomParameters[ParamCallerNumber]; v != "" {
		return v
	}
	return "Unknown"
}

// GreetingMessage returns the greeting_message custom parameter.
func (e StartEvent) GreetingMessage() string { return e.CustomParameters[ParamGreetingMessage] }

// MediaEvent is one inbound audio chunk. Payload stays base64 μ-law as sent by
// Twilio. Timestamp is the stream-relative playback position in milliseconds;
// HasTimestamp is false when Twilio omitted it or it did not parse.
type MediaEvent struct {
	Track        string
	Chunk        string
	Payload      string
	Timestamp    int64
	HasTimestamp bool
}

// MarkEvent acknowledges that audio queued before a mark has been played.
type MarkEvent struct {
	Name string
}

// DTMFEvent is a keypad digit pressed by the caller.
type DTMFEvent struct {
	Track string
	Digit string
}

// StopEvent signals the end of the stream.
type StopEvent struct {
	AccountSid string
	CallSid    string
}

func (ConnectedEvent) EventName() string { return EventNameConnected }
func (StartEvent) EventName() string     { return EventNameStart }
func (MediaEvent) EventName() string     { return EventNameMedia }
func (MarkEvent) EventName() string      { return EventNameMark }
func (DTMFEvent) EventName() string      { return EventNameDTMF }
func (StopEvent) EventName() string      { return EventNameStop }

func (ConnectedEvent) twilioEvent() {}
func (StartEvent) twilioEvent()     {}
func (MediaEvent) twilioEvent()     {}
func (MarkEvent) twilioEvent()      {}
func (DTMFEvent) twilioEvent()      {}
func (StopEvent) twilioEvent()      {}

// TwilioMediaMessage is the JSON envelope used in both directions.
type TwilioMediaMessage struct {
	Event          string              `json:"event"`
	SequenceNumber string              `json:"sequenceNumber,omitempty"`
	StreamSid      string              `json:"streamSid,omitempty"`
	Protocol       string              `json:"protocol,omitempty"`
	Version        string              `json:"version,omitempty"`
	Start          *TwilioStartPayload `json:"start,omitempty"`
	Media          *TwilioMediaPayload `json:"media,omitempty"`
	Stop           *TwilioStopPayload  `json:"stop,omitempty"`
	Mark           *TwilioMarkPayload  `json:"mark,omitempty"`
	DTMF           *TwilioDTMFPayload  `json:"dtmf,omitempty"`
}

// TwilioStartPayload contains stream initialization data.
type TwilioStartPayload struct {
	AccountSid       string            `json:"accountSid"`
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// MediaFormat describes the stream audio format.
type MediaFormat struct {
	Encoding   string `json:"encoding"`   // "audio/x-mulaw"
	SampleRate int    `json:"sampleRate"` // 8000
	Channels   int    `json:"channels"`   // 1
}

// TwilioMediaPayload contains audio data.
type TwilioMediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// TwilioStopPayload contains stream termination data.
type TwilioStopPayload struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// TwilioMarkPayload contains mark event data.
type TwilioMarkPayload struct {
	Name string `json:"name"`
}

// TwilioDTMFPayload contains DTMF digit data.
type TwilioDTMFPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// DecodeEvent parses one inbound Media Streams message.
func DecodeEvent(data []byte) (Event, error) {
	var msg TwilioMediaMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode media stream message: %w", err)
	}

	switch msg.Event {
	case EventNameConnected:
		return ConnectedEvent{Protocol: msg.Protocol, Version: msg.Version}, nil

	case EventNameStart:
		if msg.Start == nil {
			return nil, fmt.Errorf("start event missing payload")
		}
		streamSid := msg.Start.StreamSid
		if streamSid == "" {
			streamSid = msg.StreamSid
		}
		params := msg.Start.CustomParameters
		if params == nil {
			params = map[string]string{}
		}
		return StartEvent{
			StreamSid:        streamSid,
			CallSid:          msg.Start.CallSid,
			AccountSid:       msg.Start.AccountSid,
			Tracks:           msg.Start.Tracks,
			MediaFormat:      msg.Start.MediaFormat,
			CustomParameters: params,
		}, nil

	case EventNameMedia:
		if msg.Media == nil {
			return nil, fmt.Errorf("media event missing payload")
		}
		evt := MediaEvent{
			Track:   msg.Media.Track,
			Chunk:   msg.Media.Chunk,
			Payload: msg.Media.Payload,
		}
		if ts, err := strconv.ParseInt(msg.Media.Timestamp, 10, 64); err == nil {
			evt.Timestamp = ts
			evt.HasTimestamp = true
		}
		return evt, nil

	case EventNameMark:
		evt := MarkEvent{}
		if msg.Mark != nil {
			evt.Name = msg.Mark.Name
		}
		return evt, nil

	case EventNameDTMF:
		if msg.DTMF == nil {
			return nil, fmt.Errorf("dtmf event missing payload")
		}
		return DTMFEvent{Track: msg.DTMF.Track, Digit: msg.DTMF.Digit}, nil

	case EventNameStop:
		evt := StopEvent{}
		if msg.Stop != nil {
			evt.AccountSid = msg.Stop.AccountSid
			evt.CallSid = msg.Stop.CallSid
		}
		return evt, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}
