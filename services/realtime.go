package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-relay/config"
	"go-relay/models"
)

const realtimeWriteTimeout = 5 * time.Second

var (
	// ErrMalformedEvent wraps frames from the realtime API that are not valid JSON events.
	ErrMalformedEvent = errors.New("malformed realtime event")

	errAlreadyConfigured = errors.New("realtime session already configured")
)

// SessionOptions is the content of the single session.update sent per call.
type SessionOptions struct {
	Instructions      string
	Voice             string
	InputAudioFormat  string
	OutputAudioFormat string
	Temperature       float64
}

// SessionOptionsFromConfig uses μ-law in both directions, which is what Twilio streams.
func SessionOptionsFromConfig(cfg config.RealtimeConfig) SessionOptions {
	return SessionOptions{
		Instructions:      cfg.SystemMessage,
		Voice:             cfg.Voice,
		InputAudioFormat:  models.RealtimeAudioFormatG711ULaw,
		OutputAudioFormat: models.RealtimeAudioFormatG711ULaw,
		Temperature:       cfg.Temperature,
	}
}

// RealtimeSession is one authenticated websocket connection to the realtime API.
type RealtimeSession struct {
	conn *websocket.Conn

	writeMu    sync.Mutex
	configured bool
	closeOnce  sync.Once
	closeErr   error
}

// DialRealtime opens the upstream connection for one call.
func DialRealtime(ctx context.Context, cfg config.RealtimeConfig) (*RealtimeSession, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, config.ErrMissingAPIKey
	}

	wsURL, err := buildRealtimeURL(cfg.URL, cfg.Model)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime API: %w", err)
	}
	return &RealtimeSession{conn: conn}, nil
}

func buildRealtimeURL(base, model string) (string, error) {
	if base == "" {
		base = config.DefaultRealtimeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Configure sends the session.update. It must be called exactly once and
// before any audio is relayed.
func (s *RealtimeSession) Configure(opts SessionOptions) error {
	s.writeMu.Lock()
	if s.configured {
		s.writeMu.Unlock()
		return errAlreadyConfigured
	}
	s.configured = true
	s.writeMu.Unlock()

	update := models.SessionUpdateEvent{
		Type: models.RealtimeSessionUpdate,
		Session: models.SessionConfig{
			TurnDetection:     &models.TurnDetection{Type: models.RealtimeTurnDetectionServerVAD},
			InputAudioFormat:  opts.InputAudioFormat,
			OutputAudioFormat: opts.OutputAudioFormat,
			Voice:             opts.Voice,
			Instructions:      opts.Instructions,
			Modalities:        []string{"text", "audio"},
			Temperature:       opts.Temperature,
		},
	}
	if err := s.Send(update); err != nil {
		return fmt.Errorf("failed to configure realtime session: %w", err)
	}
	return nil
}

// SendUserText adds a user turn and asks the model to answer it.
func (s *RealtimeSession) SendUserText(text string) error {
	if err := s.Send(models.NewUserTextItem(text)); err != nil {
		return err
	}
	return s.Send(models.NewResponseCreate())
}

// Send writes one client event.
func (s *RealtimeSession) Send(event any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(realtimeWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(event)
}

// Receive blocks for the next server event. Frames that fail to decode are
// returned as ErrMalformedEvent and the connection stays usable.
func (s *RealtimeSession) Receive() (models.RealtimeEvent, error) {
	_, payload, err := s.conn.ReadMessage()
	if err != nil {
		return models.RealtimeEvent{}, err
	}

	var event models.RealtimeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return models.RealtimeEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	event.Raw = payload
	return event, nil
}

// Close sends a close frame and releases the connection. Safe to call twice.
func (s *RealtimeSession) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// isNormalClose reports errors that just mean the peer hung up.
func isNormalClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
