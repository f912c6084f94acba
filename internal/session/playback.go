// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"bytes"
	"fmt"
	"sync"

	internal_audio "github.com/rapidaai/audio-stream/internal/audio"
	internal_audio_resampler "github.com/rapidaai/audio-stream/internal/audio/resampler"
	internal_wire "github.com/rapidaai/audio-stream/internal/wire"
	"github.com/rapidaai/audio-stream/pkg/commons"
)

// checkpoint marks a named absolute byte position in the received decoded
// audio stream. Positions are non-decreasing in insertion order.
type checkpoint struct {
	name     string
	position uint64
}

// playbackInjector accumulates consumer-supplied audio and mixes it into the
// outgoing call leg one 20 ms frame at a time. Active only on bidirectional
// sessions.
type playbackInjector struct {
	logger   commons.Logger
	callRate int

	// own mutex; never held while calling back into the session
	mu            sync.Mutex
	writeBuf      bytes.Buffer
	bytesReceived uint64
	bytesPlayed   uint64
	checkpoints   []checkpoint

	resampler internal_audio_resampler.AudioResampler
}

func newPlaybackInjector(logger commons.Logger, callRate int) *playbackInjector {
	return &playbackInjector{logger: logger, callRate: callRate}
}

// playOutcome carries the state transitions of one handlePlay call out of
// the injector lock, for the session to turn into events.
type playOutcome struct {
	started  bool // buffer went empty -> non-empty
	appended int
}

var errMalformedPlay = fmt.Errorf("malformed media.play")

// handlePlay validates, decodes and appends one media.play payload.
// μ-law is decoded to PCM16; PCM at a foreign rate is resampled to the call
// rate. A rate outside {8000, 16000} coerces to 8000 with a warning; μ-law
// at a rate other than 8000 is malformed.
func (p *playbackInjector) handlePlay(media *internal_wire.InboundMedia, decode func(string) ([]byte, error)) (playOutcome, error) {
	var out playOutcome
	if media == nil || media.Payload == "" || media.ContentType == "" || media.SampleRate == 0 {
		return out, errMalformedPlay
	}

	contentType := media.ContentType
	rate := media.SampleRate
	switch contentType {
	case internal_audio.EncodingLinear16, internal_audio.EncodingRaw, internal_audio.EncodingWav:
		contentType = internal_audio.EncodingLinear16
	case internal_audio.EncodingMulaw:
		if rate != 8000 {
			return out, errMalformedPlay
		}
	default:
		return out, errMalformedPlay
	}
	if rate != 8000 && rate != 16000 {
		p.logger.Warnw("unsupported media.play sample rate, coercing to 8000", "sampleRate", rate)
		rate = 8000
	}

	pcm, err := decode(media.Payload)
	if err != nil {
		return out, errMalformedPlay
	}
	if contentType == internal_audio.EncodingMulaw {
		pcm = internal_audio.DecodeUlaw(pcm)
	}
	if rate != p.callRate {
		resampler, err := p.getResampler()
		if err != nil {
			return out, err
		}
		pcm, err = resampler.Resample(pcm,
			internal_audio.NewLinear16AudioConfig(rate),
			internal_audio.NewLinear16AudioConfig(p.callRate))
		if err != nil {
			return out, fmt.Errorf("playback resample: %w", err)
		}
	}

	p.mu.Lock()
	out.started = p.writeBuf.Len() == 0 && len(pcm) > 0
	p.writeBuf.Write(pcm)
	p.bytesReceived += uint64(len(pcm))
	p.mu.Unlock()
	out.appended = len(pcm)
	return out, nil
}

// getResampler lazily creates the outbound resampler.
func (p *playbackInjector) getResampler() (internal_audio_resampler.AudioResampler, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resampler == nil {
		resampler, err := internal_audio_resampler.GetResampler(p.logger)
		if err != nil {
			return nil, err
		}
		p.resampler = resampler
	}
	return p.resampler, nil
}

// handleCheckpoint appends a named checkpoint at the current received
// position. A checkpoint before any audio is ignored with a warning.
func (p *playbackInjector) handleCheckpoint(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bytesReceived == 0 {
		p.logger.Warnw("media.checkpoint before any media.play, ignoring", "name", name)
		return false
	}
	p.checkpoints = append(p.checkpoints, checkpoint{name: name, position: p.bytesReceived})
	return true
}

// handleClear zeroes the write buffer, drops all checkpoints and resets both
// byte counters.
func (p *playbackInjector) handleClear() {
	p.mu.Lock()
	p.writeBuf.Reset()
	p.checkpoints = nil
	p.bytesReceived = 0
	p.bytesPlayed = 0
	p.mu.Unlock()
}

// replaceResult reports what one replaceFrame pass did, for the session to
// turn into wire messages and events outside the injector lock.
type replaceResult struct {
	mixed     bool
	completed bool // buffer drained to empty on this pass
	played    []string
}

// replaceFrame mixes exactly one frame of buffered playback audio into the
// outgoing frame with saturation at ±32767, advances the played pointer and
// collects every checkpoint it passed.
func (p *playbackInjector) replaceFrame(out []byte) replaceResult {
	var res replaceResult
	frameLen := len(out)
	if frameLen == 0 {
		return res
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeBuf.Len() < frameLen {
		return res
	}
	chunk := make([]byte, frameLen)
	p.writeBuf.Read(chunk)
	if err := internal_audio.MixInto(out, chunk); err != nil {
		p.logger.Warnw("playback mix failed", "error", err.Error())
		return res
	}
	p.bytesPlayed += uint64(frameLen)
	res.mixed = true
	res.completed = p.writeBuf.Len() == 0

	for len(p.checkpoints) > 0 && p.bytesPlayed >= p.checkpoints[0].position {
		res.played = append(res.played, p.checkpoints[0].name)
		p.checkpoints = p.checkpoints[1:]
	}
	return res
}

// buffered returns the pending playback byte count.
func (p *playbackInjector) buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeBuf.Len()
}
