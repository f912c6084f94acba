// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/rapidaai/audio-stream/internal/audio"
	internal_scheduler "github.com/rapidaai/audio-stream/internal/scheduler"
	internal_transport "github.com/rapidaai/audio-stream/internal/transport"
	"github.com/rapidaai/audio-stream/pkg/commons"
)

// ============================================================================
// Loopback WebSocket consumer
// ============================================================================

// wsHarness is a consumer-side WebSocket endpoint: it records every text
// frame the engine sends and can push control messages back.
type wsHarness struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	messages   []string
	dials      int
	failDials  int
	alwaysFail bool
	conns      []*websocket.Conn
}

func newWsHarness(t *testing.T) *wsHarness {
	h := &wsHarness{t: t}
	h.server = httptest.NewServer(http.HandlerFunc(h.handle))
	t.Cleanup(h.server.Close)
	return h
}

func (h *wsHarness) url() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func (h *wsHarness) handle(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.dials++
	fail := h.alwaysFail || h.dials <= h.failDials
	h.mu.Unlock()
	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns = append(h.conns, conn)
	h.mu.Unlock()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.mu.Lock()
		h.messages = append(h.messages, string(data))
		h.mu.Unlock()
	}
}

func (h *wsHarness) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

func (h *wsHarness) dialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// send pushes one text frame from the consumer to the engine.
func (h *wsHarness) send(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(h.t, h.conns, "no live connection to send on")
	conn := h.conns[len(h.conns)-1]
	require.NoError(h.t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func (h *wsHarness) waitMessages(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.snapshot()) >= n
	}, 5*time.Second, 5*time.Millisecond, "expected %d wire messages, have %d", n, len(h.snapshot()))
	return h.snapshot()
}

// ============================================================================
// Event recorder
// ============================================================================

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) Publish(event, payload string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func (r *eventRecorder) waitFor(t *testing.T, event string) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(event) > 0 },
		5*time.Second, 5*time.Millisecond, "event %s never fired", event)
}

// ============================================================================
// Session fixture
// ============================================================================

type sessionFixture struct {
	session *Session
	events  *eventRecorder
	cleanup chan struct{}
}

func newTestSession(t *testing.T, h *wsHarness, mutate func(*Params)) *sessionFixture {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)

	params := Params{
		CallID:    "call-0001",
		StreamID:  "stream-0001",
		Direction: DirectionInbound,
		Codec:     internal_audio.CodecLinear16,
		CallRate:  16000,
		WireRate:  16000,
		Transport: internal_transport.Config{
			URL:              h.url(),
			ReconnectDelay:   30 * time.Millisecond,
			HandshakeTimeout: 2 * time.Second,
		},
	}
	if mutate != nil {
		mutate(&params)
	}

	fixture := &sessionFixture{
		events:  &eventRecorder{},
		cleanup: make(chan struct{}),
	}
	session, err := NewSession(logger, params, fixture.events, internal_scheduler.NewScheduler(), nil,
		func(*Session) { close(fixture.cleanup) })
	require.NoError(t, err)
	fixture.session = session
	t.Cleanup(func() { session.teardown("test teardown") })
	return fixture
}

func (f *sessionFixture) waitCleanup(t *testing.T) {
	t.Helper()
	select {
	case <-f.cleanup:
	case <-time.After(5 * time.Second):
		t.Fatal("session cleanup never ran")
	}
}

// captureFrames pushes frames until the ring has generated want chunks; the
// capture path legitimately drops contended frames, so the test retries.
func captureFrames(t *testing.T, s *Session, track string, frame []byte, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		if generatedChunks(s, track) < want {
			_ = s.CaptureAudio(track, frame)
		}
		return generatedChunks(s, track) >= want
	}, 5*time.Second, time.Millisecond)
}

func generatedChunks(s *Session, track string) uint64 {
	st := s.captureStateFor(track)
	st.buffer.Lock()
	defer st.buffer.Unlock()
	return st.buffer.GeneratedChunks()
}

func parseWire(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

// ============================================================================
// Happy path: inbound, 16 kHz linear16
// ============================================================================

func TestSession_HappyPathInbound16k(t *testing.T) {
	h := newWsHarness(t)
	f := newTestSession(t, h, nil)
	require.NoError(t, f.session.Start())
	f.events.waitFor(t, "connection_established")

	frame := bytes.Repeat([]byte{0x01, 0x02}, 320) // 640 bytes, 20 ms at 16 kHz
	captureFrames(t, f.session, TrackInbound, frame, 50)

	messages := h.waitMessages(t, 51) // start + 50 media
	f.session.GracefulShutdown("")
	messages = h.waitMessages(t, 52)
	f.waitCleanup(t)

	// start is first and exactly once, with sequence 0.
	start := parseWire(t, messages[0])
	assert.Equal(t, "start", start["event"])
	assert.Equal(t, float64(0), start["sequenceNumber"])
	startBody := start["start"].(map[string]interface{})
	assert.Equal(t, "call-0001", startBody["callId"])
	assert.Equal(t, []interface{}{"inbound"}, startBody["tracks"])

	// 50 media frames, sequence 1..50, each payload exactly one wire frame.
	for i := 1; i <= 50; i++ {
		m := parseWire(t, messages[i])
		require.Equal(t, "media", m["event"], "message %d", i)
		assert.Equal(t, float64(i), m["sequenceNumber"])
		media := m["media"].(map[string]interface{})
		assert.Equal(t, "inbound", media["track"])
		assert.Equal(t, float64(i), media["chunk"])
		payload, err := base64.StdEncoding.DecodeString(media["payload"].(string))
		require.NoError(t, err)
		assert.Len(t, payload, 640)
	}

	// stop is last, exactly once, sequence 51.
	stop := parseWire(t, messages[51])
	assert.Equal(t, "stop", stop["event"])
	assert.Equal(t, float64(51), stop["sequenceNumber"])

	// No incorrectPayload anywhere; sequences strictly increasing from 0.
	prev := -1.0
	for _, raw := range messages {
		m := parseWire(t, raw)
		assert.NotEqual(t, "incorrectPayload", m["event"])
		seq := m["sequenceNumber"].(float64)
		assert.Greater(t, seq, prev)
		prev = seq
	}

	assert.Equal(t, 1, f.events.count("connection_established"))
	assert.Equal(t, 1, f.events.count("stream_started"))
	assert.Equal(t, 1, f.events.count("stream_stopped"))
}

// ============================================================================
// μ-law conversion
// ============================================================================

func TestSession_MulawConversion(t *testing.T) {
	h := newWsHarness(t)
	f := newTestSession(t, h, func(p *Params) {
		p.Codec = internal_audio.CodecMulaw
		p.CallRate = 8000
		p.WireRate = 8000
	})
	require.NoError(t, f.session.Start())
	f.events.waitFor(t, "connection_established")

	frame := bytes.Repeat([]byte{0x10, 0x03}, 160) // 320 bytes of PCM16 at 8 kHz
	captureFrames(t, f.session, TrackInbound, frame, 5)

	messages := h.waitMessages(t, 6)
	expected := internal_audio.EncodeUlaw(frame)
	for i := 1; i <= 5; i++ {
		m := parseWire(t, messages[i])
		require.Equal(t, "media", m["event"])
		media := m["media"].(map[string]interface{})
		payload, err := base64.StdEncoding.DecodeString(media["payload"].(string))
		require.NoError(t, err)
		require.Len(t, payload, 160, "one 20 ms μ-law frame")
		assert.Equal(t, expected, payload, "payload is the μ-law encoding of the captured signal")
	}
}

// ============================================================================
// Reconnection
// ============================================================================

func TestSession_ReconnectThenSuccess(t *testing.T) {
	h := newWsHarness(t)
	h.failDials = 2
	f := newTestSession(t, h, nil)
	require.NoError(t, f.session.Start())

	f.events.waitFor(t, "connection_established")
	assert.Equal(t, 3, h.dialCount(), "two failures then one success")
	assert.Equal(t, 1, f.events.count("connection_established"))
	assert.Equal(t, 0, f.events.count("connection_failed"))
	// First retry surfaces as degradation.
	assert.GreaterOrEqual(t, f.events.count("connection_degraded"), 1)
	assert.Equal(t, internal_transport.StateConnected, f.session.transport.State())
}

func TestSession_ReconnectExhausted(t *testing.T) {
	h := newWsHarness(t)
	h.alwaysFail = true
	f := newTestSession(t, h, nil)
	require.NoError(t, f.session.Start())

	f.waitCleanup(t)
	assert.Equal(t, 4, h.dialCount(), "initial attempt plus three spaced retries")
	assert.Equal(t, 1, f.events.count("connection_failed"))
	assert.Equal(t, 0, f.events.count("connection_established"))
	assert.Equal(t, "Connection error", f.session.TerminationReason())
}

// ============================================================================
// Bidirectional playback, checkpoints, clear
// ============================================================================

func TestSession_PlaybackCheckpointAndClear(t *testing.T) {
	h := newWsHarness(t)
	f := newTestSession(t, h, func(p *Params) {
		p.Direction = DirectionBoth
		p.Bidirectional = true
		p.CallRate = 8000
		p.WireRate = 8000
	})
	require.NoError(t, f.session.Start())
	f.events.waitFor(t, "connection_established")
	h.waitMessages(t, 1) // start

	// 8000 bytes of PCM16 at the call rate, then a named checkpoint.
	audio := bytes.Repeat([]byte{0x04, 0x00}, 4000)
	play := map[string]interface{}{
		"event": "media.play",
		"media": map[string]interface{}{
			"payload":     base64.StdEncoding.EncodeToString(audio),
			"contentType": "audio/x-l16",
			"sampleRate":  8000,
		},
	}
	raw, err := json.Marshal(play)
	require.NoError(t, err)
	h.send(string(raw))
	f.events.waitFor(t, "media_play_start")
	h.send(`{"event":"media.checkpoint","name":"A"}`)

	require.Eventually(t, func() bool {
		return f.session.playback.buffered() == 8000
	}, 2*time.Second, 5*time.Millisecond)

	// Drain ⌈8000/320⌉ = 25 outgoing frames; the playback pointer passes A.
	for i := 0; i < 25; i++ {
		out := make([]byte, 320)
		f.session.ReplaceFrame(out)
	}
	f.events.waitFor(t, "media_play_complete")

	require.Eventually(t, func() bool {
		for _, raw := range h.snapshot() {
			m := parseWire(t, raw)
			if m["event"] == "playedStream" && m["name"] == "A" {
				assert.Equal(t, "stream-0001", m["streamId"])
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "playedStream{A} never reached the wire")

	// A subsequent clear acks on the wire and resets playback state.
	h.send(`{"event":"media.clear"}`)
	f.events.waitFor(t, "media_cleared")
	require.Eventually(t, func() bool {
		for _, raw := range h.snapshot() {
			if parseWire(t, raw)["event"] == "media.cleared" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.session.playback.buffered())
}

// ============================================================================
// Graceful shutdown with pending audio
// ============================================================================

func TestSession_GracefulShutdownDrainsBufferedAudio(t *testing.T) {
	h := newWsHarness(t)
	f := newTestSession(t, h, nil)
	require.NoError(t, f.session.Start())
	f.events.waitFor(t, "connection_established")

	frame := bytes.Repeat([]byte{0x05, 0x06}, 320)
	captureFrames(t, f.session, TrackInbound, frame, 10)
	f.session.GracefulShutdown("host hangup")

	messages := h.waitMessages(t, 12) // start + 10 media + stop
	f.waitCleanup(t)

	assert.Len(t, h.snapshot(), 12, "no messages after stop")
	last := parseWire(t, messages[len(messages)-1])
	assert.Equal(t, "stop", last["event"])
	mediaCount := 0
	for _, raw := range messages {
		if parseWire(t, raw)["event"] == "media" {
			mediaCount++
		}
	}
	assert.Equal(t, 10, mediaCount, "every buffered frame transmitted before stop")
	assert.Equal(t, "host hangup", f.session.TerminationReason())
	assert.Equal(t, 1, f.events.count("connection_closed"))
}

// ============================================================================
// Stop jumps ahead of pending media
// ============================================================================

func TestSession_StopPassesPendingMedia(t *testing.T) {
	h := newWsHarness(t)
	f := newTestSession(t, h, nil)
	require.NoError(t, f.session.Start())
	f.events.waitFor(t, "connection_established")
	h.waitMessages(t, 1)

	f.session.Stop("caller hangup")
	f.waitCleanup(t)

	messages := h.snapshot()
	stops := 0
	for _, raw := range messages {
		if parseWire(t, raw)["event"] == "stop" {
			stops++
		}
	}
	assert.Equal(t, 1, stops, "stop is sent exactly once")
	assert.Equal(t, "caller hangup", f.session.TerminationReason())
}

// ============================================================================
// Protocol errors
// ============================================================================

func TestSession_InvalidInputAcknowledgedOncePerSession(t *testing.T) {
	h := newWsHarness(t)
	f := newTestSession(t, h, nil)
	require.NoError(t, f.session.Start())
	f.events.waitFor(t, "connection_established")
	h.waitMessages(t, 1)

	h.send("certainly not json")
	h.send(`{"event":"media.rewind"}`)
	h.send("still not json")
	f.events.waitFor(t, "stream_invalid_input")

	require.Eventually(t, func() bool {
		for _, raw := range h.snapshot() {
			if parseWire(t, raw)["event"] == "incorrectPayload" {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	// The latch suppresses floods: one wire ack, one host event, session alive.
	time.Sleep(100 * time.Millisecond)
	acks := 0
	for _, raw := range h.snapshot() {
		if parseWire(t, raw)["event"] == "incorrectPayload" {
			acks++
		}
	}
	assert.Equal(t, 1, acks)
	assert.Equal(t, 1, f.events.count("stream_invalid_input"))
	assert.Equal(t, internal_transport.StateConnected, f.session.transport.State())
}

// ============================================================================
// Pause / resume and send_text
// ============================================================================

func TestSession_PauseDropsFramesResumeContinues(t *testing.T) {
	h := newWsHarness(t)
	f := newTestSession(t, h, nil)
	require.NoError(t, f.session.Start())
	f.events.waitFor(t, "connection_established")

	frame := bytes.Repeat([]byte{0x07, 0x08}, 320)
	f.session.Pause()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.session.CaptureAudio(TrackInbound, frame))
	}
	assert.Equal(t, uint64(0), generatedChunks(f.session, TrackInbound), "paused capture discards frames")

	f.session.Resume()
	captureFrames(t, f.session, TrackInbound, frame, 3)
	h.waitMessages(t, 4) // start + 3 media
}

func TestSession_SendText(t *testing.T) {
	h := newWsHarness(t)
	f := newTestSession(t, h, nil)
	require.NoError(t, f.session.Start())
	f.events.waitFor(t, "connection_established")
	h.waitMessages(t, 1)

	require.Error(t, f.session.SendText("not json"))
	require.NoError(t, f.session.SendText(`{"custom":"payload"}`))

	require.Eventually(t, func() bool {
		for _, raw := range h.snapshot() {
			if raw == `{"custom":"payload"}` {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "send_text payload forwarded verbatim")
}

// ============================================================================
// Transcription passthrough
// ============================================================================

func TestSession_TranscriptionForwarded(t *testing.T) {
	h := newWsHarness(t)
	f := newTestSession(t, h, nil)
	require.NoError(t, f.session.Start())
	f.events.waitFor(t, "connection_established")
	h.waitMessages(t, 1)

	h.send(`{"event":"transcription.send","text":"hello world"}`)
	f.events.waitFor(t, "transcription_received")
	assert.Equal(t, 0, f.events.count("stream_invalid_input"))
}
