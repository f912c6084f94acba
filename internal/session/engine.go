// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/audio-stream/internal/audio"
	internal_audio_resampler "github.com/rapidaai/audio-stream/internal/audio/resampler"
	internal_buffer "github.com/rapidaai/audio-stream/internal/buffer"
	internal_control "github.com/rapidaai/audio-stream/internal/control"
	internal_events "github.com/rapidaai/audio-stream/internal/events"
	internal_scheduler "github.com/rapidaai/audio-stream/internal/scheduler"
	internal_transport "github.com/rapidaai/audio-stream/internal/transport"
	internal_wire "github.com/rapidaai/audio-stream/internal/wire"
	"github.com/rapidaai/audio-stream/pkg/commons"
)

// ============================================================================
// Direction and tracks
// ============================================================================

// Direction selects which call legs are captured and transmitted.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionBoth     Direction = "both"
)

const (
	TrackInbound  = "inbound"
	TrackOutbound = "outbound"
)

// ParseDirection validates a track token from the command surface.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionInbound, DirectionOutbound, DirectionBoth:
		return Direction(s), nil
	}
	return "", fmt.Errorf("invalid track %q", s)
}

const (
	heartbeatInterval = 60 * time.Second

	// gracefulBudget bounds a graceful shutdown; past it the close frame
	// goes out regardless of buffered audio, and shortly after the socket
	// is torn down if the handshake stalls.
	gracefulBudget     = 60 * time.Second
	gracefulForceGrace = 5 * time.Second
)

// ============================================================================
// Session parameters
// ============================================================================

// Params describes one (call, stream-id) session. CallRate and Codec come
// from the host's codec readout; WireRate and Direction are user-chosen.
type Params struct {
	CallID   string
	StreamID string

	Direction     Direction
	Codec         internal_audio.Codec
	CallRate      int
	WireRate      int
	Bidirectional bool
	TimeoutSecs   int
	Metadata      json.RawMessage

	BufferSecs int

	Transport internal_transport.Config
}

// captureState is the per-transmitted-direction capture pipeline: a staging
// buffer for resampler output and the wire-frame ring.
type captureState struct {
	track     string
	buffer    *internal_buffer.RingFrameBuffer
	staging   bytes.Buffer
	resampler internal_audio_resampler.AudioResampler
}

// ============================================================================
// Session
// ============================================================================

// Session is the per-call state machine gluing capture, buffers, transport
// and playback. One session exists per (call, stream-id) pair; it owns its
// ring buffers, control queue, playback state and sequence counter, and is
// destroyed only after the transport confirms closed.
type Session struct {
	logger     commons.Logger
	params     Params
	serializer *internal_wire.FrameSerializer
	events     internal_events.Publisher
	scheduler  *internal_scheduler.Scheduler

	transport *internal_transport.WsClient
	controlQ  *internal_control.Queue
	playback  *playbackInjector

	// onCleanup removes the session from the supervisor table. It runs
	// exactly once, after the transport is terminally down.
	onCleanup func(s *Session)

	// mu serialises the capture path against transport callbacks. Sequence
	// numbers, flags and staging buffers are guarded by it.
	mu sync.Mutex

	captureIn  *captureState
	captureOut *captureState
	switchFlip bool

	seq       uint64
	startSent bool
	stopSent  bool
	closing   bool

	paused       bool
	shuttingDown bool
	gracefulAt   time.Time

	connectEmitted       bool
	invalidInputNotified bool
	degradedNotified     bool

	terminationReason string
	startedAt         time.Time

	closeHandled bool
	cleanedUp    bool

	heartbeatTask *internal_scheduler.Task
	timeoutTask   *internal_scheduler.Task
	gracefulTasks []*internal_scheduler.Task
}

// NewSession builds a session and its transport. dispatch pins transport
// work to a supervisor worker; onCleanup removes the session from the
// supervisor table after terminal close.
func NewSession(
	logger commons.Logger,
	params Params,
	events internal_events.Publisher,
	scheduler *internal_scheduler.Scheduler,
	dispatch func(fn func()),
	onCleanup func(s *Session),
) (*Session, error) {
	if params.CallRate <= 0 || params.CallRate%internal_audio.BaseRate != 0 {
		return nil, fmt.Errorf("invalid call rate %d", params.CallRate)
	}
	if params.WireRate <= 0 || params.WireRate%internal_audio.BaseRate != 0 {
		return nil, fmt.Errorf("invalid wire rate %d", params.WireRate)
	}
	if params.Codec == "" {
		params.Codec = internal_audio.CodecLinear16
	}
	if params.BufferSecs <= 0 {
		params.BufferSecs = 40
	}

	s := &Session{
		logger:     logger,
		params:     params,
		serializer: internal_wire.NewFrameSerializer(params.CallID, params.StreamID),
		events:     events,
		scheduler:  scheduler,
		controlQ:   internal_control.NewQueue(),
		onCleanup:  onCleanup,
		startedAt:  time.Now(),
	}

	chunkSize := internal_audio.WireFrameSize(params.Codec, params.WireRate)
	if params.Direction == DirectionInbound || params.Direction == DirectionBoth {
		s.captureIn = &captureState{
			track:  TrackInbound,
			buffer: internal_buffer.NewRingFrameBuffer(params.StreamID, chunkSize, params.BufferSecs),
		}
	}
	if params.Direction == DirectionOutbound || params.Direction == DirectionBoth {
		s.captureOut = &captureState{
			track:  TrackOutbound,
			buffer: internal_buffer.NewRingFrameBuffer(params.StreamID, chunkSize, params.BufferSecs),
		}
	}

	if params.Bidirectional {
		s.playback = newPlaybackInjector(logger, params.CallRate)
	}

	transport, err := internal_transport.NewWsClient(logger, params.Transport, internal_transport.Callbacks{
		OnConnect:  s.handleConnect,
		OnClose:    s.handleClose,
		OnMessage:  s.handleMessage,
		OnError:    s.handleTransportError,
		OnWritable: s.onWritable,
	}, dispatch)
	if err != nil {
		return nil, err
	}
	s.transport = transport
	return s, nil
}

// StreamID returns the user-chosen stream id.
func (s *Session) StreamID() string { return s.params.StreamID }

// CallID returns the host call uuid.
func (s *Session) CallID() string { return s.params.CallID }

// Start schedules the first connect attempt.
func (s *Session) Start() error {
	return s.transport.Start()
}

// publish delivers a host event unless cleanup has completed. No event may
// carry a session whose cleanup has finished.
func (s *Session) publish(event, payload string) {
	s.mu.Lock()
	done := s.cleanedUp
	s.mu.Unlock()
	if done {
		return
	}
	s.events.Publish(event, payload)
}

// nextSeqLocked returns the next sequence number. Caller holds s.mu.
func (s *Session) nextSeqLocked() uint64 {
	seq := s.seq
	s.seq++
	return seq
}

func (s *Session) tracks() []string {
	switch s.params.Direction {
	case DirectionInbound:
		return []string{TrackInbound}
	case DirectionOutbound:
		return []string{TrackOutbound}
	default:
		return []string{TrackInbound, TrackOutbound}
	}
}

// ============================================================================
// Capture path (host media thread)
// ============================================================================

// CaptureAudio ingests one 20 ms frame of 16-bit LE PCM at the call rate for
// the given track. It always reports success to the host so a transport
// hiccup never tears down the media bug; frames are discarded while paused,
// shutting down, disconnected, or when the session mutex is contended.
func (s *Session) CaptureAudio(track string, pcm []byte) error {
	if !s.mu.TryLock() {
		return nil
	}

	if s.paused || s.shuttingDown || s.closing || s.cleanedUp {
		s.mu.Unlock()
		return nil
	}
	if s.transport.State() != internal_transport.StateConnected {
		s.mu.Unlock()
		return nil
	}

	st := s.captureStateFor(track)
	if st == nil {
		s.mu.Unlock()
		return nil
	}

	// Comfort-noise fill frames are dropped before buffering.
	if internal_audio.IsSilence(pcm) {
		s.mu.Unlock()
		return nil
	}

	data := pcm
	if s.params.WireRate != s.params.CallRate {
		if st.resampler == nil {
			resampler, err := internal_audio_resampler.GetResampler(s.logger)
			if err != nil {
				s.mu.Unlock()
				s.publish(internal_events.StreamError, internal_events.Payload(s.params.StreamID, "reason", err.Error()))
				return nil
			}
			st.resampler = resampler
		}
		resampled, err := st.resampler.Resample(pcm,
			internal_audio.NewLinear16AudioConfig(s.params.CallRate),
			internal_audio.NewLinear16AudioConfig(s.params.WireRate))
		if err != nil {
			s.mu.Unlock()
			s.publish(internal_events.StreamError, internal_events.Payload(s.params.StreamID, "reason", err.Error()))
			return nil
		}
		data = resampled
	}
	st.staging.Write(data)

	var degraded, overrun bool
	var fill int
	pcmFrame := internal_audio.PCMFrameSize(s.params.WireRate)
	for st.staging.Len() >= pcmFrame {
		frame := make([]byte, pcmFrame)
		st.staging.Read(frame)
		wireFrame := frame
		if s.params.Codec == internal_audio.CodecMulaw {
			wireFrame = internal_audio.EncodeUlaw(frame)
		}

		st.buffer.Lock()
		err := st.buffer.Write(wireFrame)
		if err == nil && st.buffer.ShouldSignalDegradation() {
			degraded = true
			fill = st.buffer.InUse()
		}
		st.buffer.Unlock()
		if errors.Is(err, internal_buffer.ErrBufferFull) {
			overrun = true
			break
		}
	}
	s.mu.Unlock()

	if degraded {
		s.publish(internal_events.ConnectionDegraded,
			internal_events.Payload(s.params.StreamID, "track", track, "bufferedBytes", fill))
	}
	if overrun {
		s.publish(internal_events.StreamBufferOverrun, internal_events.Payload(s.params.StreamID, "track", track))
		s.publish(internal_events.ConnectionTimeout, internal_events.Payload(s.params.StreamID, "track", track))
		s.teardown("Buffer overflow")
		return nil
	}

	s.transport.RequestWritable()
	return nil
}

func (s *Session) captureStateFor(track string) *captureState {
	switch track {
	case TrackInbound:
		return s.captureIn
	case TrackOutbound:
		return s.captureOut
	}
	return nil
}

// ReplaceFrame overlays buffered playback audio onto one outgoing 20 ms
// frame. Fires playedStream wire messages and host events for every
// checkpoint the playback pointer passed.
func (s *Session) ReplaceFrame(out []byte) {
	if s.playback == nil {
		return
	}
	res := s.playback.replaceFrame(out)

	if len(res.played) > 0 {
		s.mu.Lock()
		for _, name := range res.played {
			if payload, err := s.serializer.PlayedStream(s.nextSeqLocked(), name); err == nil {
				s.controlQ.Push(internal_control.PriorityNormal, payload)
			}
		}
		s.mu.Unlock()
		for _, name := range res.played {
			s.publish(internal_events.MediaPlayComplete, internal_events.Payload(s.params.StreamID, "name", name))
		}
		s.transport.RequestWritable()
	}
}

// ============================================================================
// Transport callbacks
// ============================================================================

func (s *Session) handleConnect(reconnected bool) {
	s.mu.Lock()
	first := !s.connectEmitted
	s.connectEmitted = true
	s.mu.Unlock()

	if !first {
		s.logger.Infow("websocket reconnected", "streamId", s.params.StreamID)
		return
	}

	s.publish(internal_events.ConnectionEstablished,
		internal_events.Payload(s.params.StreamID, "serverUrl", s.params.Transport.URL))
	s.publish(internal_events.StreamStarted, internal_events.Payload(s.params.StreamID))

	s.mu.Lock()
	s.heartbeatTask = s.scheduler.Periodic(heartbeatInterval, func() {
		s.publish(internal_events.StreamHeartbeat, internal_events.Payload(s.params.StreamID))
	})
	if s.params.TimeoutSecs > 0 {
		s.timeoutTask = s.scheduler.Once(time.Duration(s.params.TimeoutSecs)*time.Second, func() {
			s.publish(internal_events.StreamTimeout, internal_events.Payload(s.params.StreamID))
			s.GracefulShutdown("TIMEOUT REACHED")
		})
	}
	s.mu.Unlock()
}

// handleTransportError observes scheduled reconnects. The first retry of a
// session surfaces as connection_degraded; exhaustion arrives via
// handleClose.
func (s *Session) handleTransportError(attempt int, err error) {
	s.mu.Lock()
	first := !s.degradedNotified
	s.degradedNotified = true
	s.mu.Unlock()
	if first {
		s.publish(internal_events.ConnectionDegraded,
			internal_events.Payload(s.params.StreamID, "reason", err.Error(), "attempt", attempt))
	}
}

func (s *Session) handleClose(kind internal_transport.CloseKind, err error) {
	s.mu.Lock()
	if s.closeHandled {
		s.mu.Unlock()
		return
	}
	s.closeHandled = true
	reason := s.terminationReason
	if reason == "" {
		switch kind {
		case internal_transport.CloseConnectFail, internal_transport.CloseDropped:
			reason = "Connection error"
		}
	}
	s.terminationReason = reason
	tasks := []*internal_scheduler.Task{s.heartbeatTask, s.timeoutTask}
	tasks = append(tasks, s.gracefulTasks...)
	s.mu.Unlock()

	for _, task := range tasks {
		if task != nil {
			task.Cancel()
		}
	}

	payload := internal_events.Payload(s.params.StreamID,
		"reason", reason, "serverUrl", s.params.Transport.URL)
	switch kind {
	case internal_transport.CloseConnectFail:
		s.publish(internal_events.ConnectionFailed, payload)
	default:
		s.publish(internal_events.ConnectionClosed, payload)
	}
	s.publish(internal_events.StreamStopped, payload)

	// Events are delivered above; past this point the session id must never
	// appear on the bus again.
	s.mu.Lock()
	s.cleanedUp = true
	s.mu.Unlock()

	if s.onCleanup != nil {
		s.onCleanup(s)
	}
}

// handleMessage demultiplexes one inbound text frame.
func (s *Session) handleMessage(text string) {
	s.publish(internal_events.MessageReceived, internal_events.Payload(s.params.StreamID, "payload", text))

	msg, err := internal_wire.ParseInbound(text)
	if err != nil {
		s.handleInvalidInput(text)
		return
	}

	switch msg.Event {
	case internal_wire.EventMediaPlay:
		s.handleMediaPlay(msg, text)
	case internal_wire.EventMediaCheckpoint:
		if s.playback != nil {
			s.playback.handleCheckpoint(msg.Name)
		}
	case internal_wire.EventMediaClear:
		s.handleMediaClear()
	case internal_wire.EventTranscriptionSend:
		s.publish(internal_events.TranscriptionReceived, internal_events.Payload(s.params.StreamID, "payload", msg.Raw))
	default:
		s.handleInvalidInput(text)
	}
}

func (s *Session) handleMediaPlay(msg *internal_wire.InboundMessage, raw string) {
	if s.playback == nil {
		s.logger.Warnw("media.play on a non-bidirectional session, dropping",
			"streamId", s.params.StreamID)
		return
	}
	outcome, err := s.playback.handlePlay(msg.Media, s.serializer.DecodePayload)
	if err != nil {
		s.handleInvalidInput(raw)
		return
	}
	if outcome.started {
		s.publish(internal_events.MediaPlayStart, internal_events.Payload(s.params.StreamID))
	}
}

func (s *Session) handleMediaClear() {
	if s.playback == nil {
		return
	}
	s.playback.handleClear()

	s.mu.Lock()
	payload, err := s.serializer.MediaCleared(s.nextSeqLocked())
	if err == nil {
		s.controlQ.Push(internal_control.PriorityHigh, payload)
	}
	s.mu.Unlock()

	s.publish(internal_events.MediaCleared, internal_events.Payload(s.params.StreamID))
	s.transport.RequestWritable()
}

// handleInvalidInput acknowledges malformed ingress at most once per session
// and keeps the session alive.
func (s *Session) handleInvalidInput(raw string) {
	s.mu.Lock()
	notified := s.invalidInputNotified
	s.invalidInputNotified = true
	if !notified {
		if payload, err := s.serializer.IncorrectPayload(s.nextSeqLocked(), raw); err == nil {
			s.controlQ.Push(internal_control.PriorityNormal, payload)
		}
	}
	s.mu.Unlock()

	if notified {
		return
	}
	s.publish(internal_events.StreamInvalidInput, internal_events.Payload(s.params.StreamID, "payload", raw))
	s.transport.RequestWritable()
}

// ============================================================================
// Writable policy
// ============================================================================

// onWritable runs one step of the wire policy each time the transport can
// write. At most one frame goes out per pass; Again drives the next pass.
func (s *Session) onWritable() internal_transport.WriteResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleanedUp {
		return internal_transport.WriteResult{Op: internal_transport.WriteNone}
	}

	// Graceful budget exhausted: close regardless of buffered audio.
	if s.shuttingDown && !s.gracefulAt.IsZero() && time.Since(s.gracefulAt) >= gracefulBudget {
		return internal_transport.WriteResult{Op: internal_transport.WriteClose}
	}

	// Graceful drain complete: final stop, then close on the next pass.
	if s.shuttingDown && !s.stopSent && s.buffersEmptyLocked() && s.controlQ.Len() == 0 {
		payload, err := s.serializer.Stop(s.nextSeqLocked())
		if err != nil {
			return internal_transport.WriteResult{Op: internal_transport.WriteClose}
		}
		s.stopSent = true
		s.closing = true
		return internal_transport.WriteResult{Op: internal_transport.WriteText, Payload: payload, Again: true}
	}

	if !s.startSent {
		payload, err := s.serializer.Start(s.nextSeqLocked(), s.tracks(),
			s.params.Codec.Encoding(), s.params.WireRate, s.params.Metadata)
		if err != nil {
			s.logger.Errorw("failed to serialise start message", "error", err.Error())
			return internal_transport.WriteResult{Op: internal_transport.WriteNone}
		}
		s.startSent = true
		return internal_transport.WriteResult{Op: internal_transport.WriteText, Payload: payload, Again: true}
	}

	if msg, ok := s.controlQ.Pop(); ok {
		return internal_transport.WriteResult{Op: internal_transport.WriteText, Payload: msg, Again: true}
	}

	if s.closing {
		return internal_transport.WriteResult{Op: internal_transport.WriteClose}
	}

	st := s.pickBufferLocked()
	if st == nil {
		return internal_transport.WriteResult{Op: internal_transport.WriteNone}
	}
	if !st.buffer.TryLock() {
		// Contended by the capture path; skip this writable event.
		return internal_transport.WriteResult{Op: internal_transport.WriteNone}
	}
	if st.buffer.Empty() {
		st.buffer.Unlock()
		return internal_transport.WriteResult{Op: internal_transport.WriteNone}
	}
	timestamp := st.buffer.LastSendTime()
	frame := make([]byte, st.buffer.ChunkSize())
	if err := st.buffer.Read(frame); err != nil {
		st.buffer.Unlock()
		return internal_transport.WriteResult{Op: internal_transport.WriteNone}
	}
	chunk := st.buffer.TransmittedChunks()
	st.buffer.Unlock()

	payload, err := s.serializer.Media(s.nextSeqLocked(), st.track, timestamp, chunk, frame)
	if err != nil {
		s.logger.Errorw("failed to serialise media message", "error", err.Error())
		return internal_transport.WriteResult{Op: internal_transport.WriteNone}
	}
	return internal_transport.WriteResult{Op: internal_transport.WriteText, Payload: payload, Again: true}
}

// pickBufferLocked applies the direction policy. For both, the two buffers
// alternate on each writable event; there is no cross-direction ordering
// guarantee.
func (s *Session) pickBufferLocked() *captureState {
	switch s.params.Direction {
	case DirectionInbound:
		return s.captureIn
	case DirectionOutbound:
		return s.captureOut
	default:
		s.switchFlip = !s.switchFlip
		if s.switchFlip {
			return s.captureIn
		}
		return s.captureOut
	}
}

func (s *Session) buffersEmptyLocked() bool {
	for _, st := range []*captureState{s.captureIn, s.captureOut} {
		if st == nil {
			continue
		}
		st.buffer.Lock()
		empty := st.buffer.Empty()
		st.buffer.Unlock()
		if !empty {
			return false
		}
	}
	return true
}

// ============================================================================
// Commands
// ============================================================================

// Pause drops captured frames until Resume. Buffers are not flushed: the
// media clock continues where it left off and stale audio ages out of the
// ring on overflow.
func (s *Session) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-enables the capture path.
func (s *Session) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// GracefulShutdown drains buffered audio, sends the final stop and closes.
// Bounded by the 60 s graceful budget.
func (s *Session) GracefulShutdown(reason string) {
	s.mu.Lock()
	if s.shuttingDown || s.closeHandled {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	s.gracefulAt = time.Now()
	if reason != "" && s.terminationReason == "" {
		s.terminationReason = reason
	}
	s.gracefulTasks = append(s.gracefulTasks,
		s.scheduler.Once(gracefulBudget, s.transport.RequestWritable),
		s.scheduler.Once(gracefulBudget+gracefulForceGrace, func() {
			s.transport.ForceClose(errors.New("graceful shutdown budget exhausted"))
		}),
	)
	s.mu.Unlock()

	s.logger.Infow("graceful shutdown initiated", "streamId", s.params.StreamID, "reason", reason)
	s.transport.RequestWritable()
}

// Stop sends the stop message at critical priority ahead of pending media,
// then closes.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	if s.closeHandled {
		s.mu.Unlock()
		return
	}
	if reason != "" && s.terminationReason == "" {
		s.terminationReason = reason
	}
	if !s.stopSent {
		if payload, err := s.serializer.Stop(s.nextSeqLocked()); err == nil {
			s.controlQ.Push(internal_control.PriorityCritical, payload)
		}
		s.stopSent = true
	}
	s.closing = true
	s.gracefulTasks = append(s.gracefulTasks,
		s.scheduler.Once(gracefulForceGrace, func() {
			s.transport.ForceClose(errors.New("stop close handshake timed out"))
		}),
	)
	s.mu.Unlock()
	s.transport.RequestWritable()
}

// SendText enqueues host-supplied JSON for transmission at normal priority.
func (s *Session) SendText(text string) error {
	if !json.Valid([]byte(text)) {
		return fmt.Errorf("send_text payload is not valid JSON")
	}
	s.controlQ.Push(internal_control.PriorityNormal, text)
	s.transport.RequestWritable()
	return nil
}

// teardown force-closes the transport with a termination reason. Cleanup
// runs via the transport's OnClose callback.
func (s *Session) teardown(reason string) {
	s.mu.Lock()
	if s.terminationReason == "" {
		s.terminationReason = reason
	}
	s.mu.Unlock()
	s.transport.ForceClose(errors.New(reason))
}

// TerminationReason reports why the session ended, once terminal.
func (s *Session) TerminationReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminationReason
}
