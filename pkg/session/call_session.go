package session

import (
	"fmt"
	"sync"

	"github.com/sonoria/voice-relay/pkg/orgconfig"
)

// Speaker identifies who said a transcript line.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// TranscriptLine is one completed utterance.
type TranscriptLine struct {
	Speaker Speaker
	Text    string
}

func (l TranscriptLine) String() string {
	return fmt.Sprintf("%s: %s", l.Speaker, l.Text)
}

const markPrefix = "utt"

// InterruptPlan lists the sends a barge-in requires. It is computed under the
// session lock and executed after it is released.
type InterruptPlan struct {
	// Truncate is set when an utterance was playing and its start is known.
	Truncate  bool
	ItemID    string
	ElapsedMs int64
	// Clear is set when audio may still be buffered on the caller's side.
	Clear bool
	// DroppedMarks is the number of unacknowledged marks discarded.
	DroppedMarks int
}

// CallSession is the mutable state of one call. All fields are guarded by mu
// and every mutation goes through a method below; none of them perform I/O.
type CallSession struct {
	mu sync.Mutex

	sessionID    string
	callID       string
	callerNumber string
	org          orgconfig.Config

	// playbackCursor is the latest media timestamp seen on the telephony side, in ms.
	playbackCursor int64

	activeItem     string
	utteranceStart int64
	hasStart       bool
	responseDone   bool

	pendingMarks []string
	markSeq      uint64

	transcript    []TranscriptLine
	peerConnected bool
}

// NewCallSession creates an empty session. Identifiers arrive with the start
// event.
func NewCallSession() *CallSession {
	return &CallSession{}
}

// Identify records the identifiers carried by the start event.
func (s *CallSession) Identify(sessionID, callID, callerNumber string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.callID = callID
	s.callerNumber = callerNumber
}

// SetOrg records the organization configuration.
func (s *CallSession) SetOrg(cfg orgconfig.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.org = cfg
}

// SetPeerConnected records whether the speech peer is usable. Disconnecting
// ends any active utterance.
func (s *CallSession) SetPeerConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerConnected = connected
	if !connected {
		s.activeItem = ""
		s.hasStart = false
		s.utteranceStart = 0
	}
}

// ObserveMedia advances the playback cursor to ts.
func (s *CallSession) ObserveMedia(ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playbackCursor = ts
}

// BeginDelta registers an outbound audio delta for itemID and reserves the
// mark that must follow it. A new item starts a new utterance at the current
// playback cursor. ok is false when the peer is not connected.
func (s *CallSession) BeginDelta(itemID string) (mark string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.peerConnected {
		return "", false
	}
	if itemID != s.activeItem {
		s.activeItem = itemID
		s.utteranceStart = s.playbackCursor
		s.hasStart = true
		s.responseDone = false
	}
	s.markSeq++
	mark = fmt.Sprintf("%s-%d", markPrefix, s.markSeq)
	s.pendingMarks = append(s.pendingMarks, mark)
	return mark, true
}

// DropMark removes a reserved mark whose send failed.
func (s *CallSession) DropMark(mark string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.pendingMarks {
		if m == mark {
			s.pendingMarks = append(s.pendingMarks[:i], s.pendingMarks[i+1:]...)
			break
		}
	}
	s.completeIfDrained()
}

// AckMark pops the oldest pending mark. It returns the popped name, or false
// when the queue was already empty.
func (s *CallSession) AckMark() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingMarks) == 0 {
		return "", false
	}
	head := s.pendingMarks[0]
	s.pendingMarks = s.pendingMarks[1:]
	s.completeIfDrained()
	return head, true
}

// ResponseDone records that the model finished generating the current
// response.
func (s *CallSession) ResponseDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseDone = true
	s.completeIfDrained()
}

// completeIfDrained ends the utterance once the caller has heard all of it.
func (s *CallSession) completeIfDrained() {
	if s.responseDone && len(s.pendingMarks) == 0 && s.activeItem != "" {
		s.activeItem = ""
		s.hasStart = false
		s.utteranceStart = 0
	}
}

// Interrupt handles a barge-in: it computes what must be sent and resets the
// playback state.
func (s *CallSession) Interrupt() InterruptPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	var plan InterruptPlan
	if s.activeItem != "" && s.hasStart {
		elapsed := s.playbackCursor - s.utteranceStart
		if elapsed < 0 {
			elapsed = 0
		}
		plan.Truncate = true
		plan.ItemID = s.activeItem
		plan.ElapsedMs = elapsed
	}
	plan.Clear = s.activeItem != "" || len(s.pendingMarks) > 0
	plan.DroppedMarks = len(s.pendingMarks)

	s.pendingMarks = nil
	s.activeItem = ""
	s.hasStart = false
	s.utteranceStart = 0
	return plan
}

// AppendTranscript adds a completed line.
func (s *CallSession) AppendTranscript(speaker Speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, TranscriptLine{Speaker: speaker, Text: text})
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	SessionID      string
	CallID         string
	CallerNumber   string
	Org            orgconfig.Config
	PlaybackCursor int64
	ActiveItem     string
	UtteranceStart int64
	HasStart       bool
	ResponseDone   bool
	PendingMarks   []string
	Transcript     []TranscriptLine
	PeerConnected  bool
}

// Snapshot returns a copy of the current state.
func (s *CallSession) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:      s.sessionID,
		CallID:         s.callID,
		CallerNumber:   s.callerNumber,
		Org:            s.org,
		PlaybackCursor: s.playbackCursor,
		ActiveItem:     s.activeItem,
		UtteranceStart: s.utteranceStart,
		HasStart:       s.hasStart,
		ResponseDone:   s.responseDone,
		PendingMarks:   append([]string(nil), s.pendingMarks...),
		Transcript:     append([]TranscriptLine(nil), s.transcript...),
		PeerConnected:  s.peerConnected,
	}
}
