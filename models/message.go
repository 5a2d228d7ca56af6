package models

import "time"

// Message types pushed to live call monitors.
const (
	MonitorTypeConnected   = "connected"
	MonitorTypeCallStarted = "call_started"
	MonitorTypeTranscript  = "transcript"
	MonitorTypeInterrupt   = "interruption"
	MonitorTypeCallEnded   = "call_ended"
)

// TranscriptUpdate is sent to monitor clients whenever the assistant finishes a turn
type TranscriptUpdate struct {
	Type        string    `json:"type"`
	CallID      string    `json:"call_id"`
	StreamID    string    `json:"stream_id,omitempty"`
	Fragment    string    `json:"fragment,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
	LastUpdated time.Time `json:"last_updated"`
	IsActive    bool      `json:"is_active"`
}

// InterruptionNotice tells monitors the caller talked over the assistant.
type InterruptionNotice struct {
	Type       string    `json:"type"`
	CallID     string    `json:"call_id"`
	StreamID   string    `json:"stream_id,omitempty"`
	ItemID     string    `json:"item_id"`
	AudioEndMs int64     `json:"audio_end_ms"`
	At         time.Time `json:"at"`
}

// ConnectionResponse is sent when a monitor connects to the WebSocket
type ConnectionResponse struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
	CallID  string `json:"call_id,omitempty"`
}
