package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []Event
	states []ConnectionState
	errs   []error
}

func (h *recordingHandler) OnConnectionStateChange(state ConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
}

func (h *recordingHandler) OnEvent(evt Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
}

func (h *recordingHandler) OnError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

func (h *recordingHandler) snapshot() ([]Event, []ConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...), append([]ConnectionState(nil), h.states...)
}

// newTestPair starts a server that wraps the accepted socket in a
// TwilioConnection and returns it together with the client side.
func newTestPair(t *testing.T, handler ConnectionEventHandler) (*TwilioConnection, *websocket.Conn, <-chan struct{}) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	connCh := make(chan *TwilioConnection, 1)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		tc := NewTwilioConnection(ws, zaptest.NewLogger(t))
		tc.RegisterEventHandler(handler)
		connCh <- tc
		go func() {
			tc.Run(context.Background())
			close(done)
		}()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case tc := <-connCh:
		return tc, client, done
	case <-time.After(2 * time.Second):
		t.Fatal("server did not accept connection")
		return nil, nil, nil
	}
}

func TestTwilioConnection_DeliversEventsInOrder(t *testing.T) {
	h := &recordingHandler{}
	tc, client, _ := newTestPair(t, h)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"unknown_thing"}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"media","media":{"timestamp":"20","payload":"AA=="}}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"mark","mark":{"name":"m-1"}}`)))

	require.Eventually(t, func() bool {
		events, _ := h.snapshot()
		return len(events) == 4
	}, 2*time.Second, 10*time.Millisecond)

	events, states := h.snapshot()
	assert.IsType(t, ConnectedEvent{}, events[0])
	assert.IsType(t, StartEvent{}, events[1])
	assert.IsType(t, MediaEvent{}, events[2])
	assert.IsType(t, MarkEvent{}, events[3])
	assert.Contains(t, states, ConnectionStateConnected)
	assert.Equal(t, "MZ1", tc.StreamSid())
	assert.Equal(t, "CA1", tc.CallSid())
}

func TestTwilioConnection_OutboundOrdering(t *testing.T) {
	h := &recordingHandler{}
	tc, client, _ := newTestPair(t, h)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`)))
	require.Eventually(t, func() bool { return tc.StreamSid() == "MZ1" }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, tc.SendMedia("AAAA"))
	require.NoError(t, tc.SendMark("utt-1"))
	require.NoError(t, tc.ClearAudio())

	var got []TwilioMediaMessage
	for i := 0; i < 3; i++ {
		var msg TwilioMediaMessage
		require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, client.ReadJSON(&msg))
		got = append(got, msg)
	}

	assert.Equal(t, EventNameMedia, got[0].Event)
	assert.Equal(t, "AAAA", got[0].Media.Payload)
	assert.Equal(t, "MZ1", got[0].StreamSid)
	assert.Equal(t, EventNameMark, got[1].Event)
	assert.Equal(t, "utt-1", got[1].Mark.Name)
	assert.Equal(t, EventNameClear, got[2].Event)
}

func TestTwilioConnection_SendBeforeStart(t *testing.T) {
	tc, _, _ := newTestPair(t, &NoOpConnectionEventHandler{})
	assert.Error(t, tc.SendMedia("AAAA"))
}

func TestTwilioConnection_CloseIsIdempotent(t *testing.T) {
	h := &recordingHandler{}
	tc, _, done := newTestPair(t, h)

	require.NoError(t, tc.Close())
	require.NoError(t, tc.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after close")
	}

	assert.Equal(t, ConnectionStateClosed, tc.State())
	assert.ErrorIs(t, tc.SendMark("x"), ErrChannelClosed)

	_, states := h.snapshot()
	closedCount := 0
	for _, s := range states {
		if s == ConnectionStateClosed {
			closedCount++
		}
	}
	assert.Equal(t, 1, closedCount)
}

func TestTwilioConnection_ClientHangup(t *testing.T) {
	h := &recordingHandler{}
	tc, client, done := newTestPair(t, h)

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"event":"stop","stop":{"callSid":"CA1"}}`)))
	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after client close")
	}

	_, states := h.snapshot()
	assert.Contains(t, states, ConnectionStateDisconnected)
	assert.Equal(t, ConnectionStateClosed, tc.State())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "connected", ConnectionStateConnected.String())
	assert.Equal(t, "closed", ConnectionStateClosed.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}
