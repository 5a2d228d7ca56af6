package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Event names used on a Twilio Media Stream.
const (
	TwilioEventConnected = "connected"
	TwilioEventStart     = "start"
	TwilioEventMedia     = "media"
	TwilioEventMark      = "mark"
	TwilioEventStop      = "stop"
	TwilioEventClear     = "clear"
)

// ResponsePartMark is the mark name sent after every forwarded chunk of assistant audio.
const ResponsePartMark = "responsePart"

// TwilioMessage is a JSON frame exchanged with Twilio over the media stream.
// Only the section matching Event is populated.
type TwilioMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	Mark      *TwilioMark  `json:"mark,omitempty"`
}

// TwilioStart carries the identifiers negotiated when the stream opens.
type TwilioStart struct {
	StreamSid        string            `json:"streamSid"`
	CallSid          string            `json:"callSid,omitempty"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// TwilioMedia is one chunk of base64 μ-law audio.
type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Timestamp Millis `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// TwilioMark names a playback checkpoint.
type TwilioMark struct {
	Name string `json:"name"`
}

// Millis is a millisecond offset from the start of the stream. Twilio sends
// it as a JSON string, test tooling usually as a number; both are accepted.
type Millis int64

func (m *Millis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid media timestamp %q: %w", s, err)
	}
	*m = Millis(v)
	return nil
}

// NewTwilioMedia builds an outbound audio frame for the given stream.
func NewTwilioMedia(streamSid, payload string) TwilioMessage {
	return TwilioMessage{
		Event:     TwilioEventMedia,
		StreamSid: streamSid,
		Media:     &TwilioMedia{Payload: payload},
	}
}

// NewTwilioMark builds an outbound mark frame.
func NewTwilioMark(streamSid, name string) TwilioMessage {
	return TwilioMessage{
		Event:     TwilioEventMark,
		StreamSid: streamSid,
		Mark:      &TwilioMark{Name: name},
	}
}

// NewTwilioClear builds the frame that flushes audio buffered on Twilio's side.
func NewTwilioClear(streamSid string) TwilioMessage {
	return TwilioMessage{Event: TwilioEventClear, StreamSid: streamSid}
}
