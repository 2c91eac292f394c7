// Package actions maps the assistant's tool calls to side effects on the
// caller's behalf: booking links by SMS, owner notifications and live call
// transfer.
//
// Every dispatch returns a caller-facing outcome sentence, whether or not the
// side effect succeeded. Failures are logged and counted, never returned.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sonoria/voice-relay/pkg/metrics"
	"github.com/sonoria/voice-relay/pkg/orgconfig"
	"github.com/sonoria/voice-relay/pkg/speech"
	"github.com/sonoria/voice-relay/pkg/trace"
)

// DefaultActionTimeout bounds a single side effect.
const DefaultActionTimeout = 15 * time.Second

// Outcome sentences returned to the model.
const (
	OutcomeBookingLinkSent = "All of our classes are booked online — I've sent you the booking link by SMS. Anything else?"
	OutcomeUpdateLinkSent  = "Rescheduling is handled online — I've sent you the update link by SMS. Anything else?"
	OutcomeCancelLinkSent  = "Cancellations must be done online — I've sent you the cancellation link by SMS. Anything else?"
	OutcomeOwnerNotified   = "Your message has been forwarded to the team — they'll follow up shortly. Anything else?"
	OutcomeTransferring    = "I'm transferring your call now."
	OutcomeFallback        = "I've processed your request."
)

var (
	errSkipped     = errors.New("side effect skipped")
	errUnknownTool = errors.New("unknown tool")
)

// Messenger sends text messages.
type Messenger interface {
	SendSMS(ctx context.Context, to, body string) error
}

// CallController redirects a live call.
type CallController interface {
	RedirectCall(ctx context.Context, callSid, twiml string) error
}

// CallContext identifies the call a tool call belongs to.
type CallContext struct {
	CallSid      string
	CallerNumber string
	Org          orgconfig.Config
}

// recipient returns the caller number, falling back to the model-supplied
// argument when the call has none.
func (cc CallContext) recipient(args map[string]string) string {
	if cc.CallerNumber != "" && cc.CallerNumber != "Unknown" {
		return cc.CallerNumber
	}
	return args["caller_number"]
}

// Config configures a Dispatcher.
type Config struct {
	FrontendURL string
	Timeout     time.Duration
}

// Dispatcher executes tool calls.
type Dispatcher struct {
	messenger Messenger
	calls     CallController
	cfg       Config
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(messenger Messenger, calls CallController, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultActionTimeout
	}
	return &Dispatcher{
		messenger: messenger,
		calls:     calls,
		cfg:       cfg,
		logger:    logger.Named("dispatcher"),
	}
}

// Dispatch runs the side effect for call and returns the outcome sentence.
// The side effect runs on a context detached from ctx's cancellation so it
// completes even if the call is torn down meanwhile.
func (d *Dispatcher) Dispatch(ctx context.Context, cc CallContext, call speech.ToolCall) string {
	logger := d.logger.With(
		zap.String("call_sid", cc.CallSid),
		zap.String("tool", call.Name),
		zap.String("call_id", call.CallID),
	)

	args, err := parseArgs(call.Arguments)
	if err != nil {
		logger.Warn("malformed tool arguments", zap.Error(err), zap.String("arguments", call.Arguments))
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Timeout)
	defer cancel()
	actx, span := trace.InstrumentToolDispatch(actx, cc.CallSid, call.Name, call.CallID)
	defer span.End()
	if id := trace.TraceID(actx); id != "" {
		logger = logger.With(zap.String("trace_id", id))
	}

	start := time.Now()
	outcome, err := d.run(actx, cc, call.Name, args)

	label := metrics.OutcomeOK
	switch {
	case errors.Is(err, errSkipped):
		label = metrics.OutcomeSkipped
		logger.Info("no fallback number configured, side effect skipped")
	case errors.Is(err, errUnknownTool):
		label = metrics.OutcomeUnknown
		logger.Warn("unknown tool")
	case err != nil:
		label = metrics.OutcomeError
		trace.RecordError(span, err)
		logger.Error("tool side effect failed", zap.Error(err))
	default:
		logger.Info("tool side effect completed", zap.Duration("took", time.Since(start)))
	}
	metrics.ToolCallsTotal.WithLabelValues(call.Name, label).Inc()
	metrics.ToolDispatchLatency.WithLabelValues(call.Name).Observe(float64(time.Since(start).Milliseconds()))
	trace.SetAttributes(span, attribute.String(trace.AttrToolOutcome, label))

	return outcome
}

func (d *Dispatcher) run(ctx context.Context, cc CallContext, name string, args map[string]string) (string, error) {
	switch name {
	case speech.ToolBookService:
		return OutcomeBookingLinkSent, d.sendSMS(ctx, cc.recipient(args), BookingMessage(cc.Org, d.cfg.FrontendURL))

	case speech.ToolUpdateBooking:
		return OutcomeUpdateLinkSent, d.sendSMS(ctx, cc.recipient(args), RescheduleMessage(cc.Org, d.cfg.FrontendURL))

	case speech.ToolCancelBooking:
		return OutcomeCancelLinkSent, d.sendSMS(ctx, cc.recipient(args), CancelMessage(cc.Org, d.cfg.FrontendURL))

	case speech.ToolNotifyOwner:
		if cc.Org.FallbackNumber == "" {
			return OutcomeOwnerNotified, errSkipped
		}
		reason := args["reason"]
		if reason == "" {
			reason = "Customer message"
		}
		return OutcomeOwnerNotified, d.sendSMS(ctx, cc.Org.FallbackNumber, OwnerNotice(cc.CallerNumber, reason))

	case speech.ToolTransferCall:
		if cc.Org.FallbackNumber == "" {
			return OutcomeTransferring, errSkipped
		}
		if err := d.Transfer(ctx, cc.CallSid, cc.Org.FallbackNumber); err != nil {
			return OutcomeTransferring, err
		}
		return OutcomeTransferring, nil

	default:
		return OutcomeFallback, errUnknownTool
	}
}

// Transfer redirects the live call to number.
func (d *Dispatcher) Transfer(ctx context.Context, callSid, number string) error {
	if callSid == "" {
		return fmt.Errorf("transfer: missing call sid")
	}
	twiml, err := DialTwiML(number)
	if err != nil {
		return err
	}
	return d.calls.RedirectCall(ctx, callSid, twiml)
}

func (d *Dispatcher) sendSMS(ctx context.Context, to, body string) error {
	if to == "" {
		return fmt.Errorf("send sms: no recipient")
	}
	return d.messenger.SendSMS(ctx, to, body)
}

// parseArgs decodes the model's JSON arguments, keeping string values only.
func parseArgs(raw string) (map[string]string, error) {
	out := map[string]string{}
	if raw == "" {
		return out, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return out, fmt.Errorf("decode arguments: %w", err)
	}
	for k, v := range decoded {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, nil
}
