package services

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// MediaStreamPath is where Twilio opens the bidirectional media stream.
const MediaStreamPath = "/media-stream"

// IncomingCallTwiML pauses for a second so the callee can settle, then asks
// Twilio to connect a duplex media stream back to host.
func IncomingCallTwiML(host string) (string, error) {
	host = StreamHost(host)
	if host == "" {
		return "", errors.New("cannot build stream url without a host")
	}

	stream := &twiml.VoiceStream{
		Url: "wss://" + host + MediaStreamPath,
	}
	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	pause := &twiml.VoicePause{
		Length: "1",
	}

	markup, err := twiml.Voice([]twiml.Element{pause, connect})
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return markup, nil
}

// StreamHost strips any port from a Host header value.
func StreamHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		return strings.Trim(h, "[]")
	}
	return host
}
