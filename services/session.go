package services

import (
	"strings"
	"time"
)

// SessionState is the lifecycle phase of a relay session.
type SessionState int

const (
	StateAwaitingStart SessionState = iota
	StateStreaming
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the state of one phone call. It is owned by a single Relay and
// must only be touched from that relay's event loop.
type Session struct {
	State    SessionState
	StreamID string
	CallID   string

	LatestMediaTimestamp   int64
	LastAssistantItem      string
	ResponseStartTimestamp int64
	responseStarted        bool
	MarkQueue              []string

	SummaryRequested bool
	SummaryReceived  bool

	Interruptions int
	StartedAt     time.Time
	EndedAt       time.Time

	fragments []string
}

// Interruption describes one barge-in: which item was cut and where.
type Interruption struct {
	ItemID        string
	StartMs       int64
	LatestMs      int64
	AudioEndMs    int64
	DiscardedMark int
}

func NewSession(now time.Time) *Session {
	return &Session{State: StateAwaitingStart, StartedAt: now}
}

// Start records the stream identifiers and resets playback bookkeeping.
func (s *Session) Start(streamID, callID string) {
	s.StreamID = streamID
	s.CallID = callID
	s.LatestMediaTimestamp = 0
	s.LastAssistantItem = ""
	s.clearResponseStart()
	s.State = StateStreaming
}

// ObserveMedia advances the media clock. Timestamps never move backwards.
func (s *Session) ObserveMedia(timestampMs int64) {
	if timestampMs > s.LatestMediaTimestamp {
		s.LatestMediaTimestamp = timestampMs
	}
}

// ResponseStart returns the media timestamp at which the current assistant
// turn began playing, if one is playing.
func (s *Session) ResponseStart() (int64, bool) {
	return s.ResponseStartTimestamp, s.responseStarted
}

// BeginAssistantAudio is called for every forwarded audio delta. The first
// delta of a turn pins the start timestamp; it reports whether that happened.
// A delta without an item id still pins the start, and the item is taken from
// the next delta that carries one. Until then Interrupt is a no-op.
func (s *Session) BeginAssistantAudio(itemID string) bool {
	first := false
	if !s.responseStarted {
		s.ResponseStartTimestamp = s.LatestMediaTimestamp
		s.responseStarted = true
		first = true
	}
	if itemID != "" {
		s.LastAssistantItem = itemID
	}
	return first
}

func (s *Session) PushMark(name string) {
	s.MarkQueue = append(s.MarkQueue, name)
}

// AckMark drops the oldest pending mark. An empty queue is not an error.
func (s *Session) AckMark() (string, bool) {
	if len(s.MarkQueue) == 0 {
		return "", false
	}
	name := s.MarkQueue[0]
	s.MarkQueue = s.MarkQueue[1:]
	return name, true
}

// Interrupt computes the truncation point for the assistant item being
// played and clears all playback state. It does nothing unless an item is
// mid-playback.
func (s *Session) Interrupt() (Interruption, bool) {
	if s.LastAssistantItem == "" || !s.responseStarted {
		return Interruption{}, false
	}
	cut := Interruption{
		ItemID:        s.LastAssistantItem,
		StartMs:       s.ResponseStartTimestamp,
		LatestMs:      s.LatestMediaTimestamp,
		AudioEndMs:    s.LatestMediaTimestamp - s.ResponseStartTimestamp,
		DiscardedMark: len(s.MarkQueue),
	}
	s.MarkQueue = nil
	s.LastAssistantItem = ""
	s.clearResponseStart()
	s.Interruptions++
	return cut, true
}

func (s *Session) clearResponseStart() {
	s.ResponseStartTimestamp = 0
	s.responseStarted = false
}

// AppendTranscript adds one completed assistant utterance.
func (s *Session) AppendTranscript(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.fragments = append(s.fragments, text)
}

// Transcript joins every utterance, one per line.
func (s *Session) Transcript() string {
	return strings.Join(s.fragments, "\n")
}
