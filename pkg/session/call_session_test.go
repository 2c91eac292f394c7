package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeSession() *CallSession {
	s := NewCallSession()
	s.Identify("MZ1", "CA1", "+15551234567")
	s.SetPeerConnected(true)
	return s
}

// N sends followed by N in-order acks leave the queue empty, and extra acks
// never drive it negative.
func TestCallSession_MarkQueueDrainsFIFO(t *testing.T) {
	for _, n := range []int{0, 1, 3, 10} {
		s := activeSession()
		var sent []string
		for i := 0; i < n; i++ {
			mark, ok := s.BeginDelta("item_1")
			require.True(t, ok)
			sent = append(sent, mark)
		}
		assert.Len(t, s.Snapshot().PendingMarks, n)

		for i := 0; i < n; i++ {
			head, ok := s.AckMark()
			require.True(t, ok)
			assert.Equal(t, sent[i], head)
		}
		assert.Empty(t, s.Snapshot().PendingMarks)

		_, ok := s.AckMark()
		assert.False(t, ok)
		assert.Empty(t, s.Snapshot().PendingMarks)
	}
}

func TestCallSession_MarkNamesAreUnique(t *testing.T) {
	s := activeSession()
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		mark, _ := s.BeginDelta("item_1")
		assert.False(t, seen[mark], "duplicate mark %s", mark)
		seen[mark] = true
	}
	mark, _ := s.BeginDelta("item_2")
	assert.Equal(t, "utt-6", mark)
}

func TestCallSession_NewItemStartsUtteranceAtCursor(t *testing.T) {
	s := activeSession()
	s.ObserveMedia(80)
	s.BeginDelta("item_1")
	s.ObserveMedia(120)
	s.BeginDelta("item_1")

	snap := s.Snapshot()
	assert.Equal(t, "item_1", snap.ActiveItem)
	assert.Equal(t, int64(80), snap.UtteranceStart)

	s.BeginDelta("item_2")
	snap = s.Snapshot()
	assert.Equal(t, "item_2", snap.ActiveItem)
	assert.Equal(t, int64(120), snap.UtteranceStart)
}

func TestCallSession_NoUtteranceWithoutPeer(t *testing.T) {
	s := NewCallSession()
	_, ok := s.BeginDelta("item_1")
	assert.False(t, ok)
	assert.Empty(t, s.Snapshot().ActiveItem)

	s = activeSession()
	s.BeginDelta("item_1")
	s.SetPeerConnected(false)
	snap := s.Snapshot()
	assert.Empty(t, snap.ActiveItem)
	assert.False(t, snap.HasStart)
}

func TestCallSession_InterruptTruncatesToHeardAudio(t *testing.T) {
	s := activeSession()
	s.ObserveMedia(80)
	s.BeginDelta("item_1")
	s.BeginDelta("item_1")
	for _, ts := range []int64{100, 150, 200} {
		s.ObserveMedia(ts)
	}

	plan := s.Interrupt()
	assert.True(t, plan.Truncate)
	assert.Equal(t, "item_1", plan.ItemID)
	assert.Equal(t, int64(120), plan.ElapsedMs)
	assert.True(t, plan.Clear)
	assert.Equal(t, 2, plan.DroppedMarks)

	snap := s.Snapshot()
	assert.Empty(t, snap.ActiveItem)
	assert.False(t, snap.HasStart)
	assert.Empty(t, snap.PendingMarks)
}

func TestCallSession_InterruptWithConcurrentMedia(t *testing.T) {
	s := activeSession()
	s.ObserveMedia(1000)
	s.BeginDelta("item_9")

	done := make(chan InterruptPlan)
	go func() {
		s.ObserveMedia(1340)
		done <- s.Interrupt()
	}()
	plan := <-done
	assert.Equal(t, int64(340), plan.ElapsedMs)
	assert.Empty(t, s.Snapshot().ActiveItem)
}

func TestCallSession_InterruptElapsedIsClamped(t *testing.T) {
	s := activeSession()
	s.ObserveMedia(500)
	s.BeginDelta("item_1")
	s.ObserveMedia(400)

	plan := s.Interrupt()
	assert.Equal(t, int64(0), plan.ElapsedMs)
}

func TestCallSession_InterruptWhenIdle(t *testing.T) {
	s := activeSession()
	plan := s.Interrupt()
	assert.False(t, plan.Truncate)
	assert.False(t, plan.Clear)
}

func TestCallSession_UtteranceCompletesWhenHeard(t *testing.T) {
	s := activeSession()
	s.BeginDelta("item_1")
	s.BeginDelta("item_1")

	s.ResponseDone()
	assert.Equal(t, "item_1", s.Snapshot().ActiveItem, "still playing")

	s.AckMark()
	assert.Equal(t, "item_1", s.Snapshot().ActiveItem)
	s.AckMark()
	assert.Empty(t, s.Snapshot().ActiveItem)

	plan := s.Interrupt()
	assert.False(t, plan.Truncate)
	assert.False(t, plan.Clear)
}

func TestCallSession_DropMark(t *testing.T) {
	s := activeSession()
	m1, _ := s.BeginDelta("item_1")
	m2, _ := s.BeginDelta("item_1")
	s.DropMark(m1)
	assert.Equal(t, []string{m2}, s.Snapshot().PendingMarks)
}

func TestCallSession_Transcript(t *testing.T) {
	s := activeSession()
	s.AppendTranscript(SpeakerAssistant, "Hi there")
	s.AppendTranscript(SpeakerCaller, "I want to book")

	lines := s.Snapshot().Transcript
	require.Len(t, lines, 2)
	assert.Equal(t, "assistant: Hi there", lines[0].String())
	assert.Equal(t, "caller: I want to book", lines[1].String())
}
