// Package session drives one phone call: it relays caller audio to the speech
// peer and assistant audio back to the caller, handles barge-in and runs tool
// calls requested by the model.
//
// Three goroutines touch a session: the telephony read loop (OnEvent), the
// speech peer read loop (the speech.Handler methods) and the tool worker.
// Shared state lives in CallSession behind its own mutex; sends happen only
// after that mutex is released.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sonoria/voice-relay/pkg/actions"
	"github.com/sonoria/voice-relay/pkg/connection"
	"github.com/sonoria/voice-relay/pkg/metrics"
	"github.com/sonoria/voice-relay/pkg/orgconfig"
	"github.com/sonoria/voice-relay/pkg/speech"
	"github.com/sonoria/voice-relay/pkg/trace"
)

// DefaultSetupTimeout bounds config fetch, peer dial and handshake.
const DefaultSetupTimeout = 10 * time.Second

const transferTimeout = 10 * time.Second

// Phase is the orchestrator lifecycle phase.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseConnecting
	PhaseActive
	// PhaseDegraded: the speech peer could not be opened or was lost. Caller
	// audio is dropped; the call stays up until the caller hangs up.
	PhaseDegraded
	// PhaseFailed: no configuration for the organization. No peer is opened.
	PhaseFailed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseDegraded:
		return "degraded"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is the outbound side of the telephony connection.
type Channel interface {
	SendMedia(payload string) error
	SendMark(name string) error
	ClearAudio() error
	Close() error
}

// Dispatcher runs tool side effects.
type Dispatcher interface {
	Dispatch(ctx context.Context, cc actions.CallContext, call speech.ToolCall) string
	Transfer(ctx context.Context, callSid, number string) error
}

// Options are the collaborators shared by all sessions.
type Options struct {
	Configs    orgconfig.Provider
	Dialer     speech.Dialer
	Dispatcher Dispatcher

	// SetupTimeout bounds setup. Zero means DefaultSetupTimeout; a negative
	// value disables the bound.
	SetupTimeout time.Duration
	// TransferOnSetupFailure redirects the call to the organization's
	// fallback number when the speech peer cannot be set up.
	TransferOnSetupFailure bool

	Logger *zap.Logger
}

// Orchestrator owns one CallSession.
type Orchestrator struct {
	opts    Options
	channel Channel
	state   *CallSession
	logger  *zap.Logger

	mu     sync.Mutex
	phase  Phase
	peer   *speech.Peer
	logCtx []zap.Field

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}

	tools *toolQueue
	wg    sync.WaitGroup
}

var (
	_ connection.ConnectionEventHandler = (*Orchestrator)(nil)
	_ speech.Handler                    = (*Orchestrator)(nil)
)

// New creates an orchestrator for a freshly accepted telephony connection and
// starts its tool worker.
func New(channel Channel, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SetupTimeout == 0 {
		opts.SetupTimeout = DefaultSetupTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		opts:    opts,
		channel: channel,
		state:   NewCallSession(),
		logger:  opts.Logger.Named("orchestrator"),
		phase:   PhaseInit,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		tools:   newToolQueue(),
	}
	o.wg.Add(1)
	go o.toolWorker()
	return o
}

// State exposes the call state.
func (o *Orchestrator) State() *CallSession {
	return o.state
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Done is closed when the session is closed.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// setPhase moves to p unless the session is closed. It reports whether the
// transition happened.
func (o *Orchestrator) setPhase(p Phase) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == PhaseClosed {
		return false
	}
	if o.phase != p {
		o.logger.Info("phase change", append(o.logCtx,
			zap.Stringer("from", o.phase), zap.Stringer("to", p))...)
	}
	o.phase = p
	return true
}

func (o *Orchestrator) log() *zap.Logger {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.logger.With(o.logCtx...)
}

// activePeer returns the peer when the session is active.
func (o *Orchestrator) activePeer() *speech.Peer {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != PhaseActive {
		return nil
	}
	return o.peer
}

func (o *Orchestrator) closed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// OnConnectionStateChange implements connection.ConnectionEventHandler.
func (o *Orchestrator) OnConnectionStateChange(state connection.ConnectionState) {
	if state == connection.ConnectionStateClosed {
		o.Close()
	}
}

// OnError implements connection.ConnectionEventHandler.
func (o *Orchestrator) OnError(err error) {
	o.log().Warn("telephony channel error", zap.Error(err))
}

// OnEvent implements connection.ConnectionEventHandler.
func (o *Orchestrator) OnEvent(evt connection.Event) {
	switch e := evt.(type) {
	case connection.ConnectedEvent:
		o.log().Debug("telephony connected", zap.String("protocol", e.Protocol))
	case connection.StartEvent:
		o.startOnce.Do(func() { o.start(e) })
	case connection.MediaEvent:
		o.handleMedia(e)
	case connection.MarkEvent:
		o.handleMark(e)
	case connection.DTMFEvent:
		o.log().Info("dtmf", zap.String("digit", e.Digit))
	case connection.StopEvent:
		o.log().Info("telephony stream stopped")
		o.Close()
	}
}

func (o *Orchestrator) start(e connection.StartEvent) {
	o.state.Identify(e.StreamSid, e.CallSid, e.CallerNumber())
	o.mu.Lock()
	o.logCtx = []zap.Field{
		zap.String("stream_sid", e.StreamSid),
		zap.String("call_sid", e.CallSid),
		zap.String("org_id", e.OrganizationID()),
	}
	o.mu.Unlock()

	if !o.setPhase(PhaseConnecting) {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.setup(e)
	}()
}

func (o *Orchestrator) setup(e connection.StartEvent) {
	ctx := o.ctx
	if o.opts.SetupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.SetupTimeout)
		defer cancel()
	}
	ctx, span := trace.InstrumentSessionSetup(ctx, e.CallSid, e.StreamSid, e.OrganizationID())
	defer span.End()

	logger := o.log()

	cfg, err := o.opts.Configs.Get(ctx, e.OrganizationID())
	if err != nil {
		trace.RecordError(span, err)
		reason := "config_error"
		if errors.Is(err, orgconfig.ErrNotFound) {
			reason = "config_not_found"
		}
		metrics.SetupFailuresTotal.WithLabelValues(reason).Inc()
		logger.Error("assistant configuration unavailable", zap.Error(err))
		trace.SetAttributes(span, attribute.String(trace.AttrCallPhase, PhaseFailed.String()))
		o.setPhase(PhaseFailed)
		return
	}
	cfg = cfg.WithDefaults()
	o.state.SetOrg(cfg)

	dialCtx, dialSpan := trace.InstrumentRealtimeConnect(ctx, cfg.Voice)
	conn, err := o.opts.Dialer.Dial(dialCtx)
	trace.RecordError(dialSpan, err)
	dialSpan.End()
	if err != nil {
		o.degrade(span, "dial", err)
		return
	}

	peer := speech.NewPeer(conn, logger)
	if !o.attachPeer(peer) {
		peer.Close()
		return
	}

	if err := peer.Configure(ctx, cfg.Instructions, cfg.Voice, speech.Tools()); err != nil {
		o.degrade(span, "configure", err)
		return
	}

	greeting := chooseGreeting(cfg, e)
	if err := peer.RequestResponse(ctx, fmt.Sprintf("Start the call by saying exactly: %q", greeting)); err != nil {
		o.degrade(span, "greeting", err)
		return
	}

	o.state.SetPeerConnected(true)
	if !o.setPhase(PhaseActive) {
		o.state.SetPeerConnected(false)
		return
	}
	trace.SetAttributes(span, attribute.String(trace.AttrCallPhase, PhaseActive.String()))
	logger.Info("session active", zap.String("voice", cfg.Voice), zap.String("greeting", greeting))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		peer.Run(o.ctx, o)
	}()
}

// attachPeer stores peer unless the session closed during setup.
func (o *Orchestrator) attachPeer(peer *speech.Peer) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase == PhaseClosed {
		return false
	}
	o.peer = peer
	return true
}

// degrade leaves the call up without a speech peer.
func (o *Orchestrator) degrade(span oteltrace.Span, stage string, err error) {
	trace.RecordError(span, err)
	if o.closed() {
		return
	}
	logger := o.log()
	logger.Error("speech peer setup failed, continuing degraded", zap.String("stage", stage), zap.Error(err))
	metrics.SetupFailuresTotal.WithLabelValues(stage).Inc()
	trace.AddEvent(span, "setup.degraded", trace.ErrorAttrs(stage, err.Error())...)
	trace.SetAttributes(span, attribute.String(trace.AttrCallPhase, PhaseDegraded.String()))

	o.state.SetPeerConnected(false)
	if !o.setPhase(PhaseDegraded) {
		return
	}
	o.mu.Lock()
	peer := o.peer
	o.mu.Unlock()
	if peer != nil {
		peer.Close()
	}

	if o.opts.TransferOnSetupFailure {
		o.transferToFallback()
	}
}

func (o *Orchestrator) transferToFallback() {
	snap := o.state.Snapshot()
	logger := o.log()
	if snap.Org.FallbackNumber == "" {
		logger.Warn("no fallback number, cannot transfer")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), transferTimeout)
	defer cancel()
	if err := o.opts.Dispatcher.Transfer(ctx, snap.CallID, snap.Org.FallbackNumber); err != nil {
		logger.Error("fallback transfer failed", zap.Error(err))
		return
	}
	logger.Info("call transferred to fallback number")
}

// chooseGreeting prefers the configured greeting, then the greeting passed
// through the stream parameters.
func chooseGreeting(cfg orgconfig.Config, e connection.StartEvent) string {
	if cfg.Greeting != "" {
		return cfg.Greeting
	}
	if g := e.GreetingMessage(); g != "" {
		return g
	}
	return "Hello"
}

func (o *Orchestrator) handleMedia(e connection.MediaEvent) {
	if e.HasTimestamp {
		o.state.ObserveMedia(e.Timestamp)
	}
	peer := o.activePeer()
	if peer == nil {
		metrics.AudioFramesDroppedTotal.WithLabelValues("inactive").Inc()
		return
	}
	if err := peer.AppendAudio(o.ctx, e.Payload); err != nil {
		metrics.AudioFramesDroppedTotal.WithLabelValues("send_error").Inc()
		if !errors.Is(err, speech.ErrPeerClosed) {
			o.log().Warn("dropping caller audio", zap.Error(err))
		}
		return
	}
	metrics.AudioFramesForwardedTotal.Inc()
}

func (o *Orchestrator) handleMark(e connection.MarkEvent) {
	head, ok := o.state.AckMark()
	if !ok {
		return
	}
	if e.Name != "" && head != e.Name {
		o.log().Debug("mark acknowledged out of order", zap.String("expected", head), zap.String("got", e.Name))
	}
}

// OnAudioDelta implements speech.Handler.
func (o *Orchestrator) OnAudioDelta(itemID, payload string) {
	if o.closed() {
		return
	}
	mark, ok := o.state.BeginDelta(itemID)
	if !ok {
		return
	}
	if err := o.channel.SendMedia(payload); err != nil {
		o.state.DropMark(mark)
		o.channelError("media", err)
		return
	}
	metrics.AssistantFramesTotal.Inc()
	if err := o.channel.SendMark(mark); err != nil {
		o.state.DropMark(mark)
		o.channelError("mark", err)
	}
}

// channelError ends the session on a telephony transport failure. The
// channel is closed after Close so its state callback finds the session
// already closed.
func (o *Orchestrator) channelError(what string, err error) {
	if errors.Is(err, connection.ErrChannelClosed) || o.closed() {
		return
	}
	o.log().Error("telephony send failed, ending session", zap.String("message", what), zap.Error(err))
	o.Close()
	if err := o.channel.Close(); err != nil {
		o.log().Debug("telephony close failed", zap.Error(err))
	}
}

// OnSpeechStarted implements speech.Handler.
func (o *Orchestrator) OnSpeechStarted() {
	if o.closed() {
		return
	}
	plan := o.state.Interrupt()
	if !plan.Truncate && !plan.Clear {
		return
	}
	metrics.InterruptionsTotal.Inc()
	logger := o.log()
	logger.Info("caller barge-in",
		zap.String("item_id", plan.ItemID),
		zap.Int64("elapsed_ms", plan.ElapsedMs),
		zap.Int("dropped_marks", plan.DroppedMarks))

	if plan.Truncate {
		o.mu.Lock()
		peer := o.peer
		o.mu.Unlock()
		if peer != nil {
			if err := peer.Truncate(o.ctx, plan.ItemID, plan.ElapsedMs); err != nil && !errors.Is(err, speech.ErrPeerClosed) {
				logger.Warn("truncate failed", zap.Error(err))
			}
		}
	}
	if plan.Clear {
		if err := o.channel.ClearAudio(); err != nil {
			o.channelError("clear", err)
		}
	}
}

// OnToolCall implements speech.Handler. It never blocks.
func (o *Orchestrator) OnToolCall(call speech.ToolCall) {
	o.log().Info("tool call requested", zap.String("tool", call.Name), zap.String("call_id", call.CallID))
	o.tools.push(call)
}

// OnTranscriptDone implements speech.Handler.
func (o *Orchestrator) OnTranscriptDone(text string) {
	o.state.AppendTranscript(SpeakerAssistant, text)
	o.log().Info("transcript", zap.String("speaker", string(SpeakerAssistant)), zap.String("text", text))
}

// OnUserTranscript implements speech.Handler.
func (o *Orchestrator) OnUserTranscript(text string) {
	o.state.AppendTranscript(SpeakerCaller, text)
	o.log().Info("transcript", zap.String("speaker", string(SpeakerCaller)), zap.String("text", text))
}

// OnResponseDone implements speech.Handler.
func (o *Orchestrator) OnResponseDone() {
	o.state.ResponseDone()
}

// OnPeerClosed implements speech.Handler.
func (o *Orchestrator) OnPeerClosed(err error) {
	if o.closed() {
		return
	}
	o.log().Warn("speech peer lost, continuing degraded", zap.Error(err))
	o.state.SetPeerConnected(false)
	o.setPhase(PhaseDegraded)
}

func (o *Orchestrator) toolWorker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		case <-o.tools.ready():
		}
		for {
			call, ok := o.tools.pop()
			if !ok {
				break
			}
			o.runTool(call)
			if o.closed() {
				return
			}
		}
	}
}

// runTool dispatches call, then submits the outcome and asks for a spoken
// follow-up, in that order.
func (o *Orchestrator) runTool(call speech.ToolCall) {
	snap := o.state.Snapshot()
	cc := actions.CallContext{
		CallSid:      snap.CallID,
		CallerNumber: snap.CallerNumber,
		Org:          snap.Org,
	}

	logger := o.log().With(zap.String("tool", call.Name), zap.String("call_id", call.CallID))
	outcome := o.dispatch(logger, cc, call)
	o.mu.Lock()
	peer := o.peer
	o.mu.Unlock()
	if peer == nil || o.closed() {
		logger.Debug("session closed, dropping tool result")
		return
	}

	if err := peer.SubmitToolResult(o.ctx, call.CallID, outcome); err != nil {
		o.toolSendError(logger, err)
		return
	}
	if err := peer.RequestResponse(o.ctx, "Inform the user: "+outcome); err != nil {
		o.toolSendError(logger, err)
	}
}

// dispatch runs the tool and turns a panic or an empty outcome into the
// fallback so the model always gets a result.
func (o *Orchestrator) dispatch(logger *zap.Logger, cc actions.CallContext, call speech.ToolCall) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool dispatch panicked", zap.Any("panic", r), zap.Stack("stack"))
			outcome = actions.OutcomeFallback
		}
	}()
	outcome = o.opts.Dispatcher.Dispatch(o.ctx, cc, call)
	if outcome == "" {
		outcome = actions.OutcomeFallback
	}
	return outcome
}

func (o *Orchestrator) toolSendError(logger *zap.Logger, err error) {
	if errors.Is(err, speech.ErrPeerClosed) || o.closed() {
		logger.Debug("session closed, dropping tool result")
		return
	}
	logger.Warn("tool result send failed", zap.Error(err))
}

// Close tears the session down. It is safe to call more than once and from
// any goroutine, and does not wait for an in-flight tool dispatch.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.phase = PhaseClosed
		peer := o.peer
		o.mu.Unlock()

		close(o.done)
		o.cancel()
		if peer != nil {
			peer.Close()
		}
		o.state.SetPeerConnected(false)

		snap := o.state.Snapshot()
		lines := make([]string, 0, len(snap.Transcript))
		for _, l := range snap.Transcript {
			lines = append(lines, l.String())
		}
		o.log().Info("session closed", zap.Strings("transcript", lines))
	})
}

// Wait blocks until the session's goroutines have exited. Call after Close.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// toolQueue is an unbounded FIFO so OnToolCall never blocks the peer read
// loop.
type toolQueue struct {
	mu     sync.Mutex
	items  []speech.ToolCall
	signal chan struct{}
}

func newToolQueue() *toolQueue {
	return &toolQueue{signal: make(chan struct{}, 1)}
}

func (q *toolQueue) push(call speech.ToolCall) {
	q.mu.Lock()
	q.items = append(q.items, call)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *toolQueue) pop() (speech.ToolCall, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return speech.ToolCall{}, false
	}
	call := q.items[0]
	q.items = q.items[1:]
	return call, true
}

func (q *toolQueue) ready() <-chan struct{} {
	return q.signal
}
