package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEvent(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		evt, err := DecodeEvent([]byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`))
		require.NoError(t, err)
		assert.Equal(t, ConnectedEvent{Protocol: "Call", Version: "1.0.0"}, evt)
	})

	t.Run("start with custom parameters", func(t *testing.T) {
		raw := `{"event":"start","sequenceNumber":"1","start":{"accountSid":"AC1","streamSid":"MZ1","callSid":"CA1",
			"tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1},
			"customParameters":{"organization_id":"7","caller_number":"+15551234567","greeting_message":"Hi"}},"streamSid":"MZ1"}`
		evt, err := DecodeEvent([]byte(raw))
		require.NoError(t, err)

		start, ok := evt.(StartEvent)
		require.True(t, ok)
		assert.Equal(t, "MZ1", start.StreamSid)
		assert.Equal(t, "CA1", start.CallSid)
		assert.Equal(t, "7", start.OrganizationID())
		assert.Equal(t, "+15551234567", start.CallerNumber())
		assert.Equal(t, "Hi", start.GreetingMessage())
		assert.Equal(t, 8000, start.MediaFormat.SampleRate)
	})

	t.Run("start without caller number", func(t *testing.T) {
		evt, err := DecodeEvent([]byte(`{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`))
		require.NoError(t, err)
		start := evt.(StartEvent)
		assert.Equal(t, "Unknown", start.CallerNumber())
		assert.Empty(t, start.OrganizationID())
	})

	t.Run("start falls back to envelope stream sid", func(t *testing.T) {
		evt, err := DecodeEvent([]byte(`{"event":"start","streamSid":"MZ9","start":{"callSid":"CA1"}}`))
		require.NoError(t, err)
		assert.Equal(t, "MZ9", evt.(StartEvent).StreamSid)
	})

	t.Run("media timestamp", func(t *testing.T) {
		evt, err := DecodeEvent([]byte(`{"event":"media","media":{"track":"inbound","chunk":"2","timestamp":"150","payload":"AAEC"}}`))
		require.NoError(t, err)
		media := evt.(MediaEvent)
		assert.True(t, media.HasTimestamp)
		assert.Equal(t, int64(150), media.Timestamp)
		assert.Equal(t, "AAEC", media.Payload)
	})

	t.Run("media with bad timestamp", func(t *testing.T) {
		evt, err := DecodeEvent([]byte(`{"event":"media","media":{"timestamp":"abc","payload":"AAEC"}}`))
		require.NoError(t, err)
		media := evt.(MediaEvent)
		assert.False(t, media.HasTimestamp)
		assert.Zero(t, media.Timestamp)
	})

	t.Run("mark", func(t *testing.T) {
		evt, err := DecodeEvent([]byte(`{"event":"mark","streamSid":"MZ1","mark":{"name":"utt-3"}}`))
		require.NoError(t, err)
		assert.Equal(t, MarkEvent{Name: "utt-3"}, evt)
	})

	t.Run("dtmf", func(t *testing.T) {
		evt, err := DecodeEvent([]byte(`{"event":"dtmf","dtmf":{"track":"inbound_track","digit":"5"}}`))
		require.NoError(t, err)
		assert.Equal(t, DTMFEvent{Track: "inbound_track", Digit: "5"}, evt)
	})

	t.Run("stop", func(t *testing.T) {
		evt, err := DecodeEvent([]byte(`{"event":"stop","stop":{"accountSid":"AC1","callSid":"CA1"}}`))
		require.NoError(t, err)
		assert.Equal(t, EventNameStop, evt.EventName())
	})

	t.Run("unknown event", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"event":"bogus"}`))
		assert.ErrorIs(t, err, ErrUnknownEvent)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"event":`))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnknownEvent)
	})

	t.Run("media without payload", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"event":"media"}`))
		assert.Error(t, err)
	})
}
