package models

import "encoding/json"

// Client events sent to the realtime API.
const (
	RealtimeSessionUpdate            = "session.update"
	RealtimeInputAudioBufferAppend   = "input_audio_buffer.append"
	RealtimeConversationItemCreate   = "conversation.item.create"
	RealtimeConversationItemTruncate = "conversation.item.truncate"
	RealtimeResponseCreate           = "response.create"
)

// Server events received from the realtime API.
const (
	RealtimeError                   = "error"
	RealtimeSessionCreated          = "session.created"
	RealtimeRateLimitsUpdated       = "rate_limits.updated"
	RealtimeResponseAudioDelta      = "response.audio.delta"
	RealtimeResponseContentDone     = "response.content.done"
	RealtimeResponseDone            = "response.done"
	RealtimeInputAudioCommitted     = "input_audio_buffer.committed"
	RealtimeInputAudioSpeechStarted = "input_audio_buffer.speech_started"
	RealtimeInputAudioSpeechStopped = "input_audio_buffer.speech_stopped"
)

const (
	RealtimeAudioFormatG711ULaw    = "g711_ulaw"
	RealtimeTurnDetectionServerVAD = "server_vad"
	RealtimeItemTypeMessage        = "message"
	RealtimeContentTypeInputText   = "input_text"
	RealtimeRoleUser               = "user"
)

// LoggedRealtimeEvents are server events that are only logged.
var LoggedRealtimeEvents = map[string]bool{
	RealtimeError:                   true,
	RealtimeResponseContentDone:     true,
	RealtimeRateLimitsUpdated:       true,
	RealtimeResponseDone:            true,
	RealtimeInputAudioCommitted:     true,
	RealtimeInputAudioSpeechStopped: true,
	RealtimeInputAudioSpeechStarted: true,
	RealtimeSessionCreated:          true,
}

// RealtimeEvent is a server event. Raw holds the complete frame because some
// payloads, response.done in particular, have no fixed shape.
type RealtimeEvent struct {
	Type    string               `json:"type"`
	EventID string               `json:"event_id,omitempty"`
	ItemID  string               `json:"item_id,omitempty"`
	Delta   string               `json:"delta,omitempty"`
	Error   *RealtimeErrorDetail `json:"error,omitempty"`
	Raw     json.RawMessage      `json:"-"`
}

// RealtimeErrorDetail is the body of an "error" server event.
type RealtimeErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SessionUpdateEvent configures the realtime session.
type SessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

// SessionConfig is the session object of a session.update event.
type SessionConfig struct {
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Modalities        []string       `json:"modalities,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
}

// TurnDetection holds the VAD configuration.
type TurnDetection struct {
	Type string `json:"type"`
}

// InputAudioBufferAppendEvent forwards caller audio.
type InputAudioBufferAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ConversationItemCreateEvent adds an item to the conversation.
type ConversationItemCreateEvent struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

type ConversationItem struct {
	Type    string                    `json:"type"`
	Role    string                    `json:"role"`
	Content []ConversationItemContent `json:"content,omitempty"`
}

type ConversationItemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResponseCreateEvent asks the model to respond.
type ResponseCreateEvent struct {
	Type string `json:"type"`
}

// ConversationItemTruncateEvent discards assistant audio the caller never heard.
type ConversationItemTruncateEvent struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

func NewInputAudioBufferAppend(audio string) InputAudioBufferAppendEvent {
	return InputAudioBufferAppendEvent{Type: RealtimeInputAudioBufferAppend, Audio: audio}
}

// NewUserTextItem wraps text as a user message item.
func NewUserTextItem(text string) ConversationItemCreateEvent {
	return ConversationItemCreateEvent{
		Type: RealtimeConversationItemCreate,
		Item: ConversationItem{
			Type: RealtimeItemTypeMessage,
			Role: RealtimeRoleUser,
			Content: []ConversationItemContent{
				{Type: RealtimeContentTypeInputText, Text: text},
			},
		},
	}
}

func NewResponseCreate() ResponseCreateEvent {
	return ResponseCreateEvent{Type: RealtimeResponseCreate}
}

func NewConversationItemTruncate(itemID string, audioEndMs int64) ConversationItemTruncateEvent {
	return ConversationItemTruncateEvent{
		Type:         RealtimeConversationItemTruncate,
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   audioEndMs,
	}
}
