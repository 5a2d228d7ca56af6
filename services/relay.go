package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"go-relay/models"
)

// SummaryPrompt is the user turn injected once the caller hangs up.
const SummaryPrompt = "Please summarize the call and provide a concise report of the conversation."

// TelephonyConn is the Twilio side of a call. *websocket.Conn satisfies it.
type TelephonyConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Upstream is the realtime AI side of a call. *RealtimeSession satisfies it.
type Upstream interface {
	Send(event any) error
	Receive() (models.RealtimeEvent, error)
	Close() error
}

// EventSink is notified about things monitors care about. Calls happen on
// the relay's event loop and must not block.
type EventSink interface {
	CallStarted(callID, streamID string)
	TranscriptAppended(callID, streamID, fragment, transcript string)
	Interrupted(callID, streamID string, cut Interruption)
	CallEnded(callID, streamID, transcript string)
}

type RelayConfig struct {
	SummaryTimeout time.Duration
	ShowTimingMath bool
}

// Relay pumps audio between one Twilio media stream and one realtime session.
//
// Each connection has a reader goroutine that only decodes frames. Every
// state change and every write to either connection happens on the single
// goroutine running Run, so a barge-in is handled completely before the
// next frame from either side is looked at.
type Relay struct {
	cfg       RelayConfig
	telephony TelephonyConn
	upstream  Upstream
	sink      EventSink
	session   *Session

	telephonyOpen bool
	upstreamOpen  bool
	now           func() time.Time
}

func NewRelay(cfg RelayConfig, telephony TelephonyConn, upstream Upstream, sink EventSink) *Relay {
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 20 * time.Second
	}
	return &Relay{
		cfg:           cfg,
		telephony:     telephony,
		upstream:      upstream,
		sink:          sink,
		session:       NewSession(time.Now()),
		telephonyOpen: true,
		upstreamOpen:  true,
		now:           time.Now,
	}
}

// Session exposes the call state. Only read it once Run has returned.
func (r *Relay) Session() *Session {
	return r.session
}

// Run relays until Twilio hangs up, requests the end-of-call summary, waits
// for it up to the configured bound, then closes the upstream connection and
// joins both readers. It returns the finished session.
func (r *Relay) Run(ctx context.Context) *Session {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telephonyCh := make(chan models.TwilioMessage)
	upstreamCh := make(chan models.RealtimeEvent)

	var readers errgroup.Group
	readers.Go(func() error { return r.readTelephony(ctx, telephonyCh) })
	readers.Go(func() error { return r.readUpstream(ctx, upstreamCh) })

	RecordCallStarted()
	defer RecordCallEnded()

	remaining := r.stream(ctx, telephonyCh, upstreamCh)
	r.drain(ctx, remaining)

	r.session.State = StateClosed
	r.session.EndedAt = r.now()
	cancel()
	if err := r.upstream.Close(); err != nil && !isNormalClose(err) {
		log.Printf("Error closing realtime connection: %v", err)
	}
	_ = r.telephony.Close()
	_ = readers.Wait()
	log.Printf("Realtime connection closed for stream %s", r.session.StreamID)

	if r.sink != nil {
		r.sink.CallEnded(r.session.CallID, r.session.StreamID, r.session.Transcript())
	}
	return r.session
}

// stream handles both legs until the telephony leg ends. It returns the
// upstream channel, or nil when the upstream pump has already stopped.
func (r *Relay) stream(ctx context.Context, telephonyCh <-chan models.TwilioMessage, upstreamCh <-chan models.RealtimeEvent) <-chan models.RealtimeEvent {
	for {
		select {
		case <-ctx.Done():
			r.telephonyOpen = false
			return upstreamCh
		case msg, ok := <-telephonyCh:
			if !ok {
				log.Printf("Client disconnected from stream %s", r.session.StreamID)
				r.telephonyOpen = false
				return upstreamCh
			}
			r.handleTelephony(msg)
		case event, ok := <-upstreamCh:
			if !ok {
				r.upstreamOpen = false
				upstreamCh = nil
				continue
			}
			if err := r.handleUpstream(event); err != nil {
				log.Printf("Error relaying realtime event on stream %s: %v", r.session.StreamID, err)
				upstreamCh = nil
			}
		}
	}
}

// drain asks for the call summary and waits for it, bounded by SummaryTimeout.
func (r *Relay) drain(ctx context.Context, upstreamCh <-chan models.RealtimeEvent) {
	s := r.session
	s.State = StateDraining

	if !r.upstreamOpen || upstreamCh == nil {
		RecordSummaryRequest(SummarySkipped)
		return
	}

	if err := r.send(models.NewUserTextItem(SummaryPrompt)); err != nil {
		log.Printf("Error sending summary prompt: %v", err)
		RecordSummaryRequest(SummarySkipped)
		return
	}
	if err := r.send(models.NewResponseCreate()); err != nil {
		log.Printf("Error requesting summary response: %v", err)
		RecordSummaryRequest(SummarySkipped)
		return
	}
	s.SummaryRequested = true

	timer := time.NewTimer(r.cfg.SummaryTimeout)
	defer timer.Stop()

	for !s.SummaryReceived {
		select {
		case <-ctx.Done():
			RecordSummaryRequest(SummaryTimeout)
			return
		case <-timer.C:
			log.Printf("Timeout waiting for summary response on stream %s", s.StreamID)
			RecordSummaryRequest(SummaryTimeout)
			return
		case event, ok := <-upstreamCh:
			if !ok {
				r.upstreamOpen = false
				RecordSummaryRequest(SummaryTimeout)
				return
			}
			if err := r.handleUpstream(event); err != nil {
				log.Printf("Error while draining stream %s: %v", s.StreamID, err)
				RecordSummaryRequest(SummaryTimeout)
				return
			}
		}
	}
	RecordSummaryRequest(SummaryReceived)
}

func (r *Relay) readTelephony(ctx context.Context, out chan<- models.TwilioMessage) error {
	defer close(out)
	for {
		messageType, payload, err := r.telephony.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Twilio connection closed: %v", err)
			}
			return nil
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg models.TwilioMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("Error unmarshaling Twilio message: %v", err)
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) readUpstream(ctx context.Context, out chan<- models.RealtimeEvent) error {
	defer close(out)
	for {
		event, err := r.upstream.Receive()
		if err != nil {
			if errors.Is(err, ErrMalformedEvent) {
				log.Printf("Skipping realtime frame: %v", err)
				continue
			}
			if ctx.Err() == nil && !isNormalClose(err) {
				log.Printf("Error reading from realtime API: %v", err)
			}
			return nil
		}

		select {
		case out <- event:
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) handleTelephony(msg models.TwilioMessage) {
	s := r.session

	switch msg.Event {
	case models.TwilioEventStart:
		if msg.Start == nil {
			log.Printf("Ignoring start event without stream details")
			return
		}
		s.Start(msg.Start.StreamSid, msg.Start.CallSid)
		log.Printf("Incoming stream has started %s", s.StreamID)
		if r.sink != nil {
			r.sink.CallStarted(s.CallID, s.StreamID)
		}

	case models.TwilioEventMedia:
		if msg.Media == nil || s.State != StateStreaming || !r.upstreamOpen {
			return
		}
		s.ObserveMedia(int64(msg.Media.Timestamp))
		if err := r.send(models.NewInputAudioBufferAppend(msg.Media.Payload)); err != nil {
			log.Printf("Error forwarding audio to realtime API: %v", err)
		}

	case models.TwilioEventMark:
		s.AckMark()

	case models.TwilioEventStop:
		log.Printf("Twilio stopped stream %s", s.StreamID)
	}
}

func (r *Relay) handleUpstream(event models.RealtimeEvent) error {
	s := r.session

	if models.LoggedRealtimeEvents[event.Type] {
		log.Printf("Received event: %s", event.Type)
	}

	switch event.Type {
	case models.RealtimeError:
		if event.Error != nil {
			log.Printf("Realtime API error (%s): %s", event.Error.Code, event.Error.Message)
		}

	case models.RealtimeResponseDone:
		if text, ok := ExtractTranscript(event.Raw); ok {
			s.AppendTranscript(text)
			if r.sink != nil {
				r.sink.TranscriptAppended(s.CallID, s.StreamID, text, s.Transcript())
			}
		}

	case models.RealtimeResponseAudioDelta:
		if event.Delta == "" {
			return nil
		}
		return r.forwardAudio(event)

	case models.RealtimeInputAudioSpeechStarted:
		if s.LastAssistantItem != "" {
			return r.interrupt()
		}

	case models.RealtimeResponseContentDone:
		if s.SummaryRequested {
			s.SummaryReceived = true
		}
	}
	return nil
}

// forwardAudio plays one assistant audio chunk to the caller and follows it
// with a mark so playback progress can be tracked.
func (r *Relay) forwardAudio(event models.RealtimeEvent) error {
	s := r.session
	if !r.telephonyOpen || s.StreamID == "" {
		return nil
	}
	if !validBase64(event.Delta) {
		log.Printf("Dropping audio delta with invalid base64 payload")
		return nil
	}

	if err := r.telephony.WriteJSON(models.NewTwilioMedia(s.StreamID, event.Delta)); err != nil {
		return fmt.Errorf("forward audio to twilio: %w", err)
	}

	if s.BeginAssistantAudio(event.ItemID) && r.cfg.ShowTimingMath {
		log.Printf("Setting start timestamp for new response: %dms", s.ResponseStartTimestamp)
	}

	if err := r.telephony.WriteJSON(models.NewTwilioMark(s.StreamID, models.ResponsePartMark)); err != nil {
		return fmt.Errorf("send mark to twilio: %w", err)
	}
	s.PushMark(models.ResponsePartMark)
	return nil
}

// interrupt truncates the assistant item at the point the caller actually
// heard and flushes whatever Twilio still has buffered.
func (r *Relay) interrupt() error {
	s := r.session
	cut, ok := s.Interrupt()
	if !ok {
		return nil
	}
	RecordInterruption()

	if r.cfg.ShowTimingMath {
		log.Printf("Calculating elapsed time for truncation: %d - %d = %dms", cut.LatestMs, cut.StartMs, cut.AudioEndMs)
		log.Printf("Truncating item with ID: %s, Truncated at: %dms", cut.ItemID, cut.AudioEndMs)
	}

	var errs []error
	if err := r.send(models.NewConversationItemTruncate(cut.ItemID, cut.AudioEndMs)); err != nil {
		errs = append(errs, fmt.Errorf("truncate item %s: %w", cut.ItemID, err))
	}
	if r.telephonyOpen {
		if err := r.telephony.WriteJSON(models.NewTwilioClear(s.StreamID)); err != nil {
			errs = append(errs, fmt.Errorf("clear twilio buffer: %w", err))
		}
	}
	if r.sink != nil {
		r.sink.Interrupted(s.CallID, s.StreamID, cut)
	}
	return errors.Join(errs...)
}

// send writes to the realtime API. A failed write marks the upstream closed
// so later audio is dropped instead of retried.
func (r *Relay) send(event any) error {
	if !r.upstreamOpen {
		return errors.New("realtime connection is closed")
	}
	if err := r.upstream.Send(event); err != nil {
		r.upstreamOpen = false
		return err
	}
	return nil
}

func validBase64(s string) bool {
	if _, err := base64.StdEncoding.DecodeString(s); err == nil {
		return true
	}
	_, err := base64.RawStdEncoding.DecodeString(s)
	return err == nil
}
