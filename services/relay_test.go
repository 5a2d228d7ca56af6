package services

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-relay/models"
)

type fakeTelephony struct {
	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []models.TwilioMessage
	writeErr error
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeTelephony) ReadMessage() (int, []byte, error) {
	select {
	case p, ok := <-f.inbound:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, p, nil
	case <-f.closed:
		return 0, nil, net.ErrClosed
	}
}

func (f *fakeTelephony) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var msg models.TwilioMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		return err
	}
	f.written = append(f.written, msg)
	return nil
}

func (f *fakeTelephony) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTelephony) send(t *testing.T, frame string) {
	t.Helper()
	f.inbound <- []byte(frame)
}

func (f *fakeTelephony) hangUp() {
	close(f.inbound)
}

func (f *fakeTelephony) events(name string) []models.TwilioMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TwilioMessage
	for _, m := range f.written {
		if m.Event == name {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTelephony) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

type fakeUpstream struct {
	inbound   chan models.RealtimeEvent
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	sent    []map[string]any
	sendErr error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{inbound: make(chan models.RealtimeEvent, 64), closed: make(chan struct{})}
}

func (f *fakeUpstream) Send(event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeUpstream) Receive() (models.RealtimeEvent, error) {
	select {
	case ev := <-f.inbound:
		return ev, nil
	case <-f.closed:
		return models.RealtimeEvent{}, net.ErrClosed
	}
}

func (f *fakeUpstream) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeUpstream) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// push delivers a server event the way RealtimeSession.Receive would decode it.
func (f *fakeUpstream) push(t *testing.T, raw string) {
	t.Helper()
	var ev models.RealtimeEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	ev.Raw = json.RawMessage(raw)
	f.inbound <- ev
}

func (f *fakeUpstream) ofType(typ string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, m := range f.sent {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type recordingSink struct {
	mu          sync.Mutex
	started     []string
	fragments   []string
	cuts        []Interruption
	endedWith   string
	endedCalled bool
}

func (s *recordingSink) CallStarted(callID, streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, callID+"/"+streamID)
}

func (s *recordingSink) TranscriptAppended(callID, streamID, fragment, transcript string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fragments = append(s.fragments, fragment)
}

func (s *recordingSink) Interrupted(callID, streamID string, cut Interruption) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cuts = append(s.cuts, cut)
}

func (s *recordingSink) CallEnded(callID, streamID, transcript string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endedCalled = true
	s.endedWith = transcript
}

type relayHarness struct {
	tel  *fakeTelephony
	up   *fakeUpstream
	sink *recordingSink
	done chan *Session
}

func startRelay(t *testing.T, timeout time.Duration) *relayHarness {
	t.Helper()
	h := &relayHarness{
		tel:  newFakeTelephony(),
		up:   newFakeUpstream(),
		sink: &recordingSink{},
		done: make(chan *Session, 1),
	}
	relay := NewRelay(RelayConfig{SummaryTimeout: timeout, ShowTimingMath: true}, h.tel, h.up, h.sink)
	go func() { h.done <- relay.Run(context.Background()) }()
	return h
}

func (h *relayHarness) wait(t *testing.T, within time.Duration) *Session {
	t.Helper()
	select {
	case s := <-h.done:
		return s
	case <-time.After(within):
		t.Fatalf("relay did not finish within %s", within)
		return nil
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestRelayForwardsMediaInReceiptOrder(t *testing.T) {
	h := startRelay(t, 50*time.Millisecond)

	h.tel.send(t, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	h.tel.send(t, `{"event":"start","start":{"streamSid":"S1","callSid":"CA1"}}`)
	payloads := []string{"AA", "AQ", "Ag", "Aw", "BA"}
	for i, p := range payloads {
		h.tel.send(t, `{"event":"media","media":{"timestamp":"`+itoa(i*20)+`","payload":"`+p+`"}}`)
	}
	eventually(t, func() bool { return len(h.up.ofType(models.RealtimeInputAudioBufferAppend)) == len(payloads) }, "appends forwarded")

	h.tel.hangUp()
	s := h.wait(t, 2*time.Second)

	appends := h.up.ofType(models.RealtimeInputAudioBufferAppend)
	for i, p := range payloads {
		assert.Equal(t, p, appends[i]["audio"])
	}
	assert.EqualValues(t, 80, s.LatestMediaTimestamp)
	assert.Equal(t, "S1", s.StreamID)
	assert.Equal(t, "CA1", s.CallID)
	assert.Equal(t, []string{"CA1/S1"}, h.sink.started)
}

func TestRelayAudioDeltaAfterStart(t *testing.T) {
	h := startRelay(t, 50*time.Millisecond)

	h.tel.send(t, `{"event":"start","start":{"streamSid":"S1"}}`)
	h.tel.send(t, `{"event":"media","media":{"timestamp":0,"payload":"AA"}}`)
	eventually(t, func() bool { return len(h.up.ofType(models.RealtimeInputAudioBufferAppend)) == 1 }, "media forwarded")

	h.up.push(t, `{"type":"response.audio.delta","delta":"BB","item_id":"R1"}`)
	eventually(t, func() bool { return h.tel.count() == 2 }, "media and mark written")

	h.tel.hangUp()
	s := h.wait(t, 2*time.Second)

	media := h.tel.events(models.TwilioEventMedia)
	require.Len(t, media, 1)
	assert.Equal(t, "S1", media[0].StreamSid)
	assert.Equal(t, "BB", media[0].Media.Payload)

	marks := h.tel.events(models.TwilioEventMark)
	require.Len(t, marks, 1)
	assert.Equal(t, models.ResponsePartMark, marks[0].Mark.Name)

	assert.Equal(t, "R1", s.LastAssistantItem)
	start, ok := s.ResponseStart()
	require.True(t, ok)
	assert.EqualValues(t, 0, start)
	assert.Len(t, s.MarkQueue, 1)
}

func TestRelayInterruptionTruncatesAndClears(t *testing.T) {
	h := startRelay(t, 50*time.Millisecond)

	h.tel.send(t, `{"event":"start","start":{"streamSid":"S1"}}`)
	h.tel.send(t, `{"event":"media","media":{"timestamp":"1000","payload":"AA"}}`)
	eventually(t, func() bool { return len(h.up.ofType(models.RealtimeInputAudioBufferAppend)) == 1 }, "first media")

	h.up.push(t, `{"type":"response.audio.delta","delta":"AAAA","item_id":"R1"}`)
	h.up.push(t, `{"type":"response.audio.delta","delta":"AAAA","item_id":"R1"}`)
	eventually(t, func() bool { return h.tel.count() == 4 }, "two chunks with marks")

	h.tel.send(t, `{"event":"mark","mark":{"name":"responsePart"}}`)
	h.tel.send(t, `{"event":"media","media":{"timestamp":"1740","payload":"AA"}}`)
	eventually(t, func() bool { return len(h.up.ofType(models.RealtimeInputAudioBufferAppend)) == 2 }, "second media")

	h.up.push(t, `{"type":"input_audio_buffer.speech_started","audio_start_ms":1700}`)
	eventually(t, func() bool { return len(h.tel.events(models.TwilioEventClear)) == 1 }, "clear sent")

	// A second speech_started with nothing playing must not truncate again.
	h.up.push(t, `{"type":"input_audio_buffer.speech_started"}`)

	h.tel.hangUp()
	s := h.wait(t, 2*time.Second)

	truncates := h.up.ofType(models.RealtimeConversationItemTruncate)
	require.Len(t, truncates, 1)
	assert.Equal(t, "R1", truncates[0]["item_id"])
	assert.EqualValues(t, 0, truncates[0]["content_index"])
	assert.EqualValues(t, 740, truncates[0]["audio_end_ms"])

	clears := h.tel.events(models.TwilioEventClear)
	require.Len(t, clears, 1)
	assert.Equal(t, "S1", clears[0].StreamSid)

	assert.Empty(t, s.MarkQueue)
	assert.Empty(t, s.LastAssistantItem)
	_, started := s.ResponseStart()
	assert.False(t, started)
	assert.Equal(t, 1, s.Interruptions)
	require.Len(t, h.sink.cuts, 1)
	assert.EqualValues(t, 740, h.sink.cuts[0].AudioEndMs)
}

func TestRelayMarkWithEmptyQueueIsNoop(t *testing.T) {
	h := startRelay(t, 20*time.Millisecond)

	h.tel.send(t, `{"event":"start","start":{"streamSid":"S1"}}`)
	h.tel.send(t, `{"event":"mark","mark":{"name":"responsePart"}}`)
	h.tel.send(t, `{"event":"mark","mark":{"name":"responsePart"}}`)
	h.tel.send(t, `{"event":"dtmf","dtmf":{"digit":"1"}}`)
	h.tel.send(t, `{not json`)
	h.tel.hangUp()

	s := h.wait(t, 2*time.Second)
	assert.Empty(t, s.MarkQueue)
	assert.Equal(t, StateClosed, s.State)
}

func TestRelaySummaryTimeoutStillTearsDown(t *testing.T) {
	const bound = 150 * time.Millisecond
	h := startRelay(t, bound)

	h.tel.send(t, `{"event":"start","start":{"streamSid":"S1"}}`)
	eventually(t, func() bool { return len(h.sink.startedSnapshot()) == 1 }, "stream started")

	began := time.Now()
	h.tel.hangUp()
	s := h.wait(t, bound+2*time.Second)

	assert.GreaterOrEqual(t, time.Since(began), bound)
	assert.True(t, s.SummaryRequested)
	assert.False(t, s.SummaryReceived)
	assert.True(t, h.up.isClosed(), "upstream connection closed")
	assert.Equal(t, StateClosed, s.State)

	items := h.up.ofType(models.RealtimeConversationItemCreate)
	require.Len(t, items, 1)
	assert.Len(t, h.up.ofType(models.RealtimeResponseCreate), 1)
}

func TestRelaySummaryReceivedEndsDrainEarly(t *testing.T) {
	h := startRelay(t, 10*time.Second)

	h.tel.send(t, `{"event":"start","start":{"streamSid":"S1","callSid":"CA9"}}`)
	h.up.push(t, `{"type":"response.done","response":{"output":[{"content":[{"type":"audio","transcript":"How is your energy level?"}]}]}}`)
	eventually(t, func() bool { return len(h.sink.fragmentsSnapshot()) == 1 }, "first transcript")

	h.tel.hangUp()
	eventually(t, func() bool { return len(h.up.ofType(models.RealtimeResponseCreate)) == 1 }, "summary requested")

	// Audio for the summary must not be written to the departed caller.
	h.up.push(t, `{"type":"response.audio.delta","delta":"AAAA","item_id":"R9"}`)
	h.up.push(t, `{"type":"response.done","response":{"output":[{"content":[{"transcript":"Patient reports fatigue."}]}]}}`)
	h.up.push(t, `{"type":"response.content.done","content":"done"}`)

	s := h.wait(t, 2*time.Second)
	assert.True(t, s.SummaryReceived)
	assert.Equal(t, "How is your energy level?\nPatient reports fatigue.", s.Transcript())
	assert.Empty(t, h.tel.events(models.TwilioEventMedia))
	assert.True(t, h.up.isClosed())
	assert.True(t, h.sink.endedCalled)
	assert.Equal(t, s.Transcript(), h.sink.endedWith)

	item := h.up.ofType(models.RealtimeConversationItemCreate)[0]["item"].(map[string]any)
	content := item["content"].([]any)[0].(map[string]any)
	assert.Equal(t, SummaryPrompt, content["text"])
}

func TestRelayWithoutStartIsSafe(t *testing.T) {
	h := startRelay(t, 20*time.Millisecond)

	h.tel.send(t, `{"event":"media","media":{"timestamp":"20","payload":"AA"}}`)
	h.up.push(t, `{"type":"response.audio.delta","delta":"AAAA","item_id":"R1"}`)
	h.up.push(t, `{"type":"input_audio_buffer.speech_started"}`)
	time.Sleep(20 * time.Millisecond)
	h.tel.hangUp()

	s := h.wait(t, 2*time.Second)
	assert.Zero(t, h.tel.count())
	assert.Empty(t, h.up.ofType(models.RealtimeInputAudioBufferAppend))
	assert.Empty(t, s.StreamID)
	assert.Empty(t, s.MarkQueue)
}

func TestRelayUpstreamPumpFailureKeepsDownstreamAlive(t *testing.T) {
	h := startRelay(t, 5*time.Second)

	h.tel.send(t, `{"event":"start","start":{"streamSid":"S1"}}`)
	h.tel.send(t, `{"event":"media","media":{"timestamp":"0","payload":"AA"}}`)
	eventually(t, func() bool { return len(h.up.ofType(models.RealtimeInputAudioBufferAppend)) == 1 }, "first media")

	h.tel.mu.Lock()
	h.tel.writeErr = errors.New("broken pipe")
	h.tel.mu.Unlock()
	h.up.push(t, `{"type":"response.audio.delta","delta":"AAAA","item_id":"R1"}`)

	h.tel.send(t, `{"event":"media","media":{"timestamp":"20","payload":"AQ"}}`)
	eventually(t, func() bool { return len(h.up.ofType(models.RealtimeInputAudioBufferAppend)) == 2 }, "media still forwarded")

	began := time.Now()
	h.tel.hangUp()
	s := h.wait(t, 2*time.Second)

	// The upstream pump stopped, so there is nobody to wait for a summary.
	assert.Less(t, time.Since(began), time.Second)
	assert.False(t, s.SummaryRequested)
	assert.True(t, h.up.isClosed())
}

func TestRelayUpstreamSendFailureStopsForwarding(t *testing.T) {
	h := startRelay(t, 20*time.Millisecond)

	h.up.mu.Lock()
	h.up.sendErr = errors.New("connection reset")
	h.up.mu.Unlock()

	h.tel.send(t, `{"event":"start","start":{"streamSid":"S1"}}`)
	h.tel.send(t, `{"event":"media","media":{"timestamp":"0","payload":"AA"}}`)
	h.tel.send(t, `{"event":"media","media":{"timestamp":"20","payload":"AA"}}`)
	h.tel.hangUp()

	s := h.wait(t, 2*time.Second)
	assert.False(t, s.SummaryRequested)
	assert.EqualValues(t, 0, s.LatestMediaTimestamp, "only the first media reached the failing send")
}

func TestRelayContextCancelTearsDown(t *testing.T) {
	tel := newFakeTelephony()
	up := newFakeUpstream()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Session, 1)
	go func() { done <- NewRelay(RelayConfig{SummaryTimeout: time.Minute}, tel, up, nil).Run(ctx) }()

	tel.send(t, `{"event":"start","start":{"streamSid":"S1"}}`)
	cancel()

	select {
	case s := <-done:
		assert.Equal(t, StateClosed, s.State)
	case <-time.After(2 * time.Second):
		t.Fatal("relay ignored cancellation")
	}
	assert.True(t, up.isClosed())
}

func (s *recordingSink) startedSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *recordingSink) fragmentsSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fragments...)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
