// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rapidaai/audio-stream/config"
	internal_audio "github.com/rapidaai/audio-stream/internal/audio"
	internal_events "github.com/rapidaai/audio-stream/internal/events"
	internal_scheduler "github.com/rapidaai/audio-stream/internal/scheduler"
	internal_session "github.com/rapidaai/audio-stream/internal/session"
	internal_transport "github.com/rapidaai/audio-stream/internal/transport"
	"github.com/rapidaai/audio-stream/pkg/commons"
	"github.com/rapidaai/audio-stream/pkg/utils"
)

// workQueueDepth bounds each worker's pending transport work. Producers
// block when a worker is saturated rather than growing an unbounded list.
const workQueueDepth = 128

// worker owns one transport context. Sessions are pinned to a worker
// round-robin at connect time and stay on it for life.
type worker struct {
	id    int
	queue chan func()
}

func (w *worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-w.queue:
			fn()
		}
	}
}

// Supervisor owns the process-wide engine state: the session table, the
// transport worker pool and the event publisher. It is the sole writer of
// the session table; session tear-down removes entries through the cleanup
// callback, which the session runs from the transport's terminal OnClose
// callback.
type Supervisor struct {
	logger    commons.Logger
	appCfg    *config.AppConfig
	events    internal_events.Publisher
	scheduler *internal_scheduler.Scheduler

	instanceID string

	mu       sync.RWMutex
	sessions map[string]*internal_session.Session

	workers []*worker
	nextW   int
	pinMu   sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewSupervisor builds the supervisor. Publisher may be nil, in which case
// events are logged.
func NewSupervisor(logger commons.Logger, appCfg *config.AppConfig, publisher internal_events.Publisher) *Supervisor {
	if publisher == nil {
		publisher = internal_events.NewLoggingPublisher(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger:     logger,
		appCfg:     appCfg,
		events:     publisher,
		scheduler:  internal_scheduler.NewScheduler(),
		instanceID: uuid.New().String(),
		sessions:   make(map[string]*internal_session.Session),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start spins up the transport workers. Failure to start the worker pool is
// the only fatal error at process scope.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	count := s.appCfg.ServiceThreads
	if count <= 0 {
		return fmt.Errorf("failed to start transport workers: thread count %d", count)
	}
	for i := 0; i < count; i++ {
		w := &worker{id: i, queue: make(chan func(), workQueueDepth)}
		s.workers = append(s.workers, w)
		utils.Go(s.ctx, func() { w.run(s.ctx) })
	}
	s.logger.Infow("supervisor started",
		"instance", s.instanceID, "workers", count, "bufferSecs", s.appCfg.BufferSecs)
	return nil
}

// Shutdown gracefully drains every live session, then stops the workers.
// Bounded by the per-session graceful budget plus a local wait cap.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.mu.RLock()
	live := make([]*internal_session.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		live = append(live, session)
	}
	s.mu.RUnlock()

	for _, session := range live {
		session.GracefulShutdown("Service shutdown")
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.RLock()
		remaining := len(s.sessions)
		s.mu.RUnlock()
		if remaining == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	s.cancel()
	s.logger.Infow("supervisor stopped", "instance", s.instanceID)
}

// sessionKey identifies a session by (call, stream-id).
func sessionKey(callID, streamID string) string {
	return callID + "/" + streamID
}

// pinWorker assigns a worker round-robin and returns its dispatch function.
// The closure holds the pin: every connect and reconnect attempt of the
// session runs on the same worker for the session's whole life. The
// transport's read and write pumps run on the client's own goroutines, not
// on the worker.
func (s *Supervisor) pinWorker() (int, func(fn func())) {
	s.pinMu.Lock()
	w := s.workers[s.nextW%len(s.workers)]
	s.nextW++
	s.pinMu.Unlock()

	return w.id, func(fn func()) {
		select {
		case w.queue <- fn:
		case <-s.ctx.Done():
		}
	}
}

// ============================================================================
// Session lifecycle
// ============================================================================

// StartParams carries a validated start command.
type StartParams struct {
	CallID        string
	StreamID      string
	URL           string
	Direction     internal_session.Direction
	WireRate      int
	TimeoutSecs   int
	Bidirectional bool
	Metadata      json.RawMessage

	// Host codec readout. Defaults: linear16 at 8 kHz.
	Codec    string
	CallRate int
}

// StartSession creates, registers and connects one session. Starting a
// second session with the same stream-id on the same call fails without
// side effects.
func (s *Supervisor) StartSession(p StartParams) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor not started")
	}
	key := sessionKey(p.CallID, p.StreamID)
	if _, exists := s.sessions[key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("stream %s already attached to call %s", p.StreamID, p.CallID)
	}
	s.mu.Unlock()

	callRate := p.CallRate
	if callRate == 0 {
		callRate = 8000
	}

	params := internal_session.Params{
		CallID:        p.CallID,
		StreamID:      p.StreamID,
		Direction:     p.Direction,
		Codec:         sessionCodec(p.Codec),
		CallRate:      callRate,
		WireRate:      p.WireRate,
		Bidirectional: p.Bidirectional,
		TimeoutSecs:   p.TimeoutSecs,
		Metadata:      p.Metadata,
		BufferSecs:    s.appCfg.BufferSecs,
		Transport: internal_transport.Config{
			URL:         p.URL,
			Subprotocol: s.appCfg.SubprotocolName,
			TLS: internal_transport.TLSOptions{
				AllowSelfsigned:   s.appCfg.AllowSelfsigned,
				SkipHostnameCheck: s.appCfg.SkipServerCertHostnameCheck,
				AllowExpired:      s.appCfg.AllowExpired,
			},
			AuthUser:     s.appCfg.HTTPAuthUser,
			AuthPassword: s.appCfg.HTTPAuthPassword,
		},
	}

	workerID, dispatch := s.pinWorker()
	session, err := internal_session.NewSession(s.logger, params, s.events, s.scheduler, dispatch, s.removeSession)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.sessions[key]; exists {
		s.mu.Unlock()
		return fmt.Errorf("stream %s already attached to call %s", p.StreamID, p.CallID)
	}
	s.sessions[key] = session
	s.mu.Unlock()

	if err := session.Start(); err != nil {
		s.removeSession(session)
		return err
	}
	s.logger.Infow("session started",
		"callId", p.CallID, "streamId", p.StreamID, "url", p.URL,
		"track", string(p.Direction), "rate", p.WireRate,
		"bidirectional", p.Bidirectional, "worker", workerID)
	return nil
}

func sessionCodec(codec string) internal_audio.Codec {
	if codec == "mulaw" || codec == "PCMU" {
		return internal_audio.CodecMulaw
	}
	return internal_audio.CodecLinear16
}

// removeSession is the sole writer that deletes a session-table entry. It is
// invoked as the session's cleanup, which runs inside the transport's
// terminal OnClose callback, and directly when a registered session fails
// to start.
func (s *Supervisor) removeSession(session *internal_session.Session) {
	key := sessionKey(session.CallID(), session.StreamID())
	s.mu.Lock()
	if s.sessions[key] == session {
		delete(s.sessions, key)
	}
	s.mu.Unlock()
	s.logger.Infow("session removed",
		"callId", session.CallID(), "streamId", session.StreamID(),
		"reason", session.TerminationReason())
}

// lookup resolves a session under the table's read lock.
func (s *Supervisor) lookup(callID, streamID string) (*internal_session.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[sessionKey(callID, streamID)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no session for call %s stream %s", callID, streamID)
	}
	return session, nil
}

// ============================================================================
// Command facade
// ============================================================================

// StopSession sends the final stop at critical priority and closes.
func (s *Supervisor) StopSession(callID, streamID, reason string) error {
	session, err := s.lookup(callID, streamID)
	if err != nil {
		return err
	}
	session.Stop(reason)
	return nil
}

// PauseSession suspends the capture path.
func (s *Supervisor) PauseSession(callID, streamID string) error {
	session, err := s.lookup(callID, streamID)
	if err != nil {
		return err
	}
	session.Pause()
	return nil
}

// ResumeSession re-enables the capture path.
func (s *Supervisor) ResumeSession(callID, streamID string) error {
	session, err := s.lookup(callID, streamID)
	if err != nil {
		return err
	}
	session.Resume()
	return nil
}

// GracefulShutdownSession drains and closes one session.
func (s *Supervisor) GracefulShutdownSession(callID, streamID, reason string) error {
	session, err := s.lookup(callID, streamID)
	if err != nil {
		return err
	}
	session.GracefulShutdown(reason)
	return nil
}

// SendText forwards host-supplied JSON to the consumer.
func (s *Supervisor) SendText(callID, streamID, text string) error {
	session, err := s.lookup(callID, streamID)
	if err != nil {
		return err
	}
	return session.SendText(text)
}

// ============================================================================
// Media-bug facade (host media threads)
// ============================================================================

// CaptureAudio ingests one captured frame for a session's track. Unknown
// sessions are a silent no-op: the bug may outlive the stream briefly.
func (s *Supervisor) CaptureAudio(callID, streamID, track string, pcm []byte) {
	session, err := s.lookup(callID, streamID)
	if err != nil {
		return
	}
	if err := session.CaptureAudio(track, pcm); err != nil {
		s.logger.Warnw("capture failed", "streamId", streamID, "error", err.Error())
	}
}

// ReplaceFrame mixes buffered playback audio into one outgoing frame.
func (s *Supervisor) ReplaceFrame(callID, streamID string, out []byte) {
	session, err := s.lookup(callID, streamID)
	if err != nil {
		return
	}
	session.ReplaceFrame(out)
}

// SessionCount reports the number of live sessions.
func (s *Supervisor) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
