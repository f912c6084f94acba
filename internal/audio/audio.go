// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"
)

// ============================================================================
// Codec identifiers and wire encodings
// ============================================================================

// Codec identifies the wire audio encoding of a stream.
type Codec string

const (
	CodecLinear16 Codec = "linear16"
	CodecMulaw    Codec = "mulaw"
)

// Wire content types used in start messages and accepted on media.play.
const (
	EncodingLinear16 = "audio/x-l16"
	EncodingMulaw    = "audio/x-mulaw"
	EncodingRaw      = "raw"
	EncodingWav      = "wav"
)

// Encoding returns the wire content-type string for the codec.
func (c Codec) Encoding() string {
	if c == CodecMulaw {
		return EncodingMulaw
	}
	return EncodingLinear16
}

// ============================================================================
// Frame geometry
// ============================================================================

// The engine works in 20 ms frames. At 8 kHz that is 160 samples: 320 bytes
// of linear16, 160 bytes of μ-law. Wire frames scale with the wire rate.
const (
	FrameDurationMs = 20
	FrameStepMicros = 20_000

	BaseRate              = 8000
	BaseFrameSizeLinear16 = 320
	BaseFrameSizeMulaw    = 160
)

// WireFrameSize returns the byte length of one 20 ms wire frame.
func WireFrameSize(codec Codec, wireRate int) int {
	base := BaseFrameSizeLinear16
	if codec == CodecMulaw {
		base = BaseFrameSizeMulaw
	}
	return base * (wireRate / BaseRate)
}

// PCMFrameSize returns the byte length of one 20 ms linear16 frame at rate.
func PCMFrameSize(rate int) int {
	return BaseFrameSizeLinear16 * (rate / BaseRate)
}

// ============================================================================
// AudioConfig
// ============================================================================

// AudioConfig describes a concrete PCM or μ-law stream format.
type AudioConfig struct {
	SampleRate int
	Format     Codec
	Channels   int
}

// NewLinear16AudioConfig returns a mono linear16 config at the given rate.
func NewLinear16AudioConfig(rate int) *AudioConfig {
	return &AudioConfig{SampleRate: rate, Format: CodecLinear16, Channels: 1}
}

// NewMulaw8khzMonoAudioConfig returns the G.711 μ-law telephony format.
func NewMulaw8khzMonoAudioConfig() *AudioConfig {
	return &AudioConfig{SampleRate: 8000, Format: CodecMulaw, Channels: 1}
}

// ============================================================================
// G.711 μ-law transcoding
// ============================================================================

// EncodeUlaw converts 16-bit LE PCM to μ-law, halving the byte count.
func EncodeUlaw(lpcm []byte) []byte {
	return g711.EncodeUlaw(lpcm)
}

// DecodeUlaw converts μ-law to 16-bit LE PCM, doubling the byte count.
func DecodeUlaw(pcm []byte) []byte {
	return g711.DecodeUlaw(pcm)
}

// ============================================================================
// Sample mixing
// ============================================================================

// MixInto adds the 16-bit LE samples of src into dst in place, saturating at
// ±32767. dst and src must be the same length and a multiple of 2 bytes.
func MixInto(dst, src []byte) error {
	if len(dst) != len(src) {
		return fmt.Errorf("mix length mismatch: dst=%d src=%d", len(dst), len(src))
	}
	if len(dst)%2 != 0 {
		return fmt.Errorf("mix length not sample aligned: %d", len(dst))
	}
	for i := 0; i < len(dst); i += 2 {
		a := int32(int16(binary.LittleEndian.Uint16(dst[i:])))
		b := int32(int16(binary.LittleEndian.Uint16(src[i:])))
		sum := a + b
		if sum > 32767 {
			sum = 32767
		} else if sum < -32767 {
			sum = -32767
		}
		binary.LittleEndian.PutUint16(dst[i:], uint16(int16(sum)))
	}
	return nil
}

// IsSilence reports whether every sample of a 16-bit LE PCM frame is zero.
// The capture path drops such comfort-noise fill frames before buffering.
func IsSilence(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}
