// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio_resampler

import (
	"bytes"
	"fmt"

	"github.com/zaf/resample"

	internal_audio "github.com/rapidaai/audio-stream/internal/audio"
	"github.com/rapidaai/audio-stream/pkg/commons"
)

// AudioResampler converts audio between two concrete formats: μ-law decode,
// band-limited rate conversion, and μ-law encode as required by the pair of
// configs. Implementations are safe for use from a single goroutine per
// direction; the engine creates one per direction, lazily.
type AudioResampler interface {
	Resample(data []byte, src, dst *internal_audio.AudioConfig) ([]byte, error)
}

type soxResampler struct {
	logger commons.Logger
}

// GetResampler returns the libsoxr-backed resampler.
func GetResampler(logger commons.Logger) (AudioResampler, error) {
	return &soxResampler{logger: logger}, nil
}

// Resample converts data from src to dst. The rate conversion runs through
// the soxr band-limited interpolator at medium quality.
func (r *soxResampler) Resample(data []byte, src, dst *internal_audio.AudioConfig) ([]byte, error) {
	if src == nil || dst == nil {
		return nil, fmt.Errorf("resample: nil audio config")
	}

	pcm := data
	if src.Format == internal_audio.CodecMulaw {
		pcm = internal_audio.DecodeUlaw(pcm)
	}

	if src.SampleRate != dst.SampleRate {
		converted, err := r.convertRate(pcm, src.SampleRate, dst.SampleRate, dst.Channels)
		if err != nil {
			return nil, err
		}
		pcm = converted
	}

	if dst.Format == internal_audio.CodecMulaw {
		pcm = internal_audio.EncodeUlaw(pcm)
	}
	return pcm, nil
}

func (r *soxResampler) convertRate(pcm []byte, inRate, outRate, channels int) ([]byte, error) {
	if channels <= 0 {
		channels = 1
	}
	var out bytes.Buffer
	res, err := resample.New(&out, float64(inRate), float64(outRate), channels, resample.I16, resample.MediumQ)
	if err != nil {
		return nil, fmt.Errorf("resample: init %d->%d: %w", inRate, outRate, err)
	}
	if _, err := res.Write(pcm); err != nil {
		res.Close()
		return nil, fmt.Errorf("resample: write: %w", err)
	}
	// Close flushes the interpolator tail into the output buffer.
	if err := res.Close(); err != nil {
		return nil, fmt.Errorf("resample: flush: %w", err)
	}
	return out.Bytes(), nil
}
