package speech

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	openairt "github.com/WqyJh/go-openai-realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []openairt.ClientEvent
	sendErr error

	events    chan openairt.ServerEvent
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events:  make(chan openairt.ServerEvent, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) SendMessage(_ context.Context, msg openairt.ClientEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) ReadMessage(ctx context.Context) (openairt.ServerEvent, error) {
	select {
	case evt := <-c.events:
		return evt, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Sent() []openairt.ClientEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]openairt.ClientEvent(nil), c.sent...)
}

type recordingHandler struct {
	mu          sync.Mutex
	calls       []string
	deltas      [][2]string
	toolCalls   []ToolCall
	transcripts []string
	peerClosed  chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{peerClosed: make(chan error, 1)}
}

func (h *recordingHandler) record(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, name)
}

func (h *recordingHandler) OnAudioDelta(itemID, payload string) {
	h.record("audio_delta")
	h.mu.Lock()
	h.deltas = append(h.deltas, [2]string{itemID, payload})
	h.mu.Unlock()
}

func (h *recordingHandler) OnSpeechStarted() { h.record("speech_started") }

func (h *recordingHandler) OnToolCall(call ToolCall) {
	h.record("tool_call")
	h.mu.Lock()
	h.toolCalls = append(h.toolCalls, call)
	h.mu.Unlock()
}

func (h *recordingHandler) OnTranscriptDone(text string) {
	h.record("transcript_done")
	h.mu.Lock()
	h.transcripts = append(h.transcripts, "assistant:"+text)
	h.mu.Unlock()
}

func (h *recordingHandler) OnUserTranscript(text string) {
	h.record("user_transcript")
	h.mu.Lock()
	h.transcripts = append(h.transcripts, "caller:"+text)
	h.mu.Unlock()
}

func (h *recordingHandler) OnResponseDone() { h.record("response_done") }

func (h *recordingHandler) OnPeerClosed(err error) { h.peerClosed <- err }

func (h *recordingHandler) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func TestPeer_Configure(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer(conn, zaptest.NewLogger(t))

	require.NoError(t, p.Configure(context.Background(), "be nice", "alloy", Tools()))

	sent := conn.Sent()
	require.Len(t, sent, 1)
	update, ok := sent[0].(openairt.SessionUpdateEvent)
	require.True(t, ok)
	assert.Equal(t, "be nice", update.Session.Instructions)
	assert.Equal(t, openairt.Voice("alloy"), update.Session.Voice)
	assert.Equal(t, openairt.AudioFormatG711Ulaw, update.Session.InputAudioFormat)
	assert.Equal(t, openairt.AudioFormatG711Ulaw, update.Session.OutputAudioFormat)
	assert.Len(t, update.Session.Tools, 5)
}

func TestPeer_Sends(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer(conn, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, p.AppendAudio(ctx, "AAAA"))
	require.NoError(t, p.RequestResponse(ctx, "say hi"))
	require.NoError(t, p.Truncate(ctx, "item_1", 120))
	require.NoError(t, p.SubmitToolResult(ctx, "call_1", "done"))

	sent := conn.Sent()
	require.Len(t, sent, 4)

	assert.Equal(t, "AAAA", sent[0].(openairt.InputAudioBufferAppendEvent).Audio)
	assert.Equal(t, "say hi", sent[1].(openairt.ResponseCreateEvent).Response.Instructions)

	truncate := sent[2].(openairt.ConversationItemTruncateEvent)
	assert.Equal(t, "item_1", truncate.ItemID)
	assert.Equal(t, 0, truncate.ContentIndex)
	assert.Equal(t, 120, truncate.AudioEndMs)

	item := sent[3].(openairt.ConversationItemCreateEvent).Item
	assert.Equal(t, openairt.MessageItemTypeFunctionCallOutput, item.Type)
	assert.Equal(t, "call_1", item.CallID)
	assert.Equal(t, "done", item.Output)
}

func TestPeer_SendAfterClose(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer(conn, zaptest.NewLogger(t))

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.ErrorIs(t, p.AppendAudio(context.Background(), "AAAA"), ErrPeerClosed)
	assert.ErrorIs(t, p.RequestResponse(context.Background(), "x"), ErrPeerClosed)
	assert.Empty(t, conn.Sent())
}

func TestPeer_SendErrorIsWrapped(t *testing.T) {
	conn := newFakeConn()
	conn.sendErr = errors.New("broken pipe")
	p := NewPeer(conn, zaptest.NewLogger(t))

	err := p.AppendAudio(context.Background(), "AAAA")
	require.Error(t, err)
	assert.ErrorIs(t, err, conn.sendErr)
}

func TestPeer_RunRoutesEventsInOrder(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer(conn, zaptest.NewLogger(t))
	h := newRecordingHandler()

	conn.events <- openairt.SessionUpdatedEvent{}
	conn.events <- openairt.ResponseAudioDeltaEvent{ItemID: "item_1", Delta: "AQID"}
	conn.events <- openairt.InputAudioBufferSpeechStartedEvent{}
	conn.events <- openairt.ResponseFunctionCallArgumentsDoneEvent{CallID: "call_1", Name: ToolBookService, Arguments: `{"caller_number":"+1"}`}
	conn.events <- openairt.ResponseAudioTranscriptDoneEvent{Transcript: "Hello"}
	conn.events <- openairt.ConversationItemInputAudioTranscriptionCompletedEvent{Transcript: "Hi"}
	conn.events <- openairt.ErrorEvent{}
	conn.events <- openairt.ResponseDoneEvent{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, h)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(h.Calls()) == 6 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{
		"audio_delta", "speech_started", "tool_call", "transcript_done", "user_transcript", "response_done",
	}, h.Calls())
	assert.Equal(t, [2]string{"item_1", "AQID"}, h.deltas[0])
	assert.Equal(t, ToolCall{CallID: "call_1", Name: ToolBookService, Arguments: `{"caller_number":"+1"}`}, h.toolCalls[0])
	assert.Equal(t, []string{"assistant:Hello", "caller:Hi"}, h.transcripts)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Empty(t, h.peerClosed)
}

func TestPeer_RunReportsPeerClosed(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer(conn, zaptest.NewLogger(t))
	h := newRecordingHandler()

	readErr := errors.New("connection reset")
	conn.readErr <- readErr

	p.Run(context.Background(), h)

	select {
	case err := <-h.peerClosed:
		assert.ErrorIs(t, err, readErr)
	default:
		t.Fatal("OnPeerClosed not called")
	}
}

func TestPeer_RunAfterCloseIsSilent(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer(conn, zaptest.NewLogger(t))
	h := newRecordingHandler()

	require.NoError(t, p.Close())
	p.Run(context.Background(), h)

	assert.Empty(t, h.peerClosed)
}

type panickingHandler struct {
	*recordingHandler
}

func (panickingHandler) OnSpeechStarted() { panic("boom") }

func TestPeer_HandlerPanicIsRecovered(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer(conn, zaptest.NewLogger(t))
	h := panickingHandler{newRecordingHandler()}

	conn.events <- openairt.InputAudioBufferSpeechStartedEvent{}
	conn.events <- openairt.ResponseDoneEvent{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, h)

	require.Eventually(t, func() bool {
		calls := h.Calls()
		return len(calls) == 1 && calls[0] == "response_done"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTools(t *testing.T) {
	tools := Tools()
	require.Len(t, tools, 5)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		assert.Equal(t, openairt.ToolTypeFunction, tool.Type)
		params, ok := tool.Parameters.(map[string]any)
		require.True(t, ok)
		assert.Len(t, params["required"], 1)
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{ToolBookService, ToolUpdateBooking, ToolCancelBooking, ToolNotifyOwner, ToolTransferCall}, names)
}
