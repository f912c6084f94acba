// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Frame geometry
// ============================================================================

func TestWireFrameSize(t *testing.T) {
	assert.Equal(t, 320, WireFrameSize(CodecLinear16, 8000))
	assert.Equal(t, 640, WireFrameSize(CodecLinear16, 16000))
	assert.Equal(t, 160, WireFrameSize(CodecMulaw, 8000))
	assert.Equal(t, 320, WireFrameSize(CodecMulaw, 16000))
}

func TestEncoding(t *testing.T) {
	assert.Equal(t, "audio/x-l16", CodecLinear16.Encoding())
	assert.Equal(t, "audio/x-mulaw", CodecMulaw.Encoding())
}

// ============================================================================
// G.711 μ-law round trips
// ============================================================================

// pcmSine builds one 20 ms 8 kHz sine frame.
func pcmSine(amplitude float64) []byte {
	frame := make([]byte, BaseFrameSizeLinear16)
	for i := 0; i < BaseFrameSizeLinear16/2; i++ {
		sample := int16(amplitude * math.Sin(2*math.Pi*440*float64(i)/8000))
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(sample))
	}
	return frame
}

func TestUlaw_EncodeHalvesDecodeDoubles(t *testing.T) {
	pcm := pcmSine(12000)
	encoded := EncodeUlaw(pcm)
	assert.Equal(t, len(pcm)/2, len(encoded))
	decoded := DecodeUlaw(encoded)
	assert.Equal(t, len(pcm), len(decoded))
}

func TestUlaw_DecodeEncodeIsIdentity(t *testing.T) {
	ulaw := make([]byte, 160)
	for i := range ulaw {
		ulaw[i] = byte(i + 7)
	}
	assert.Equal(t, ulaw, EncodeUlaw(DecodeUlaw(ulaw)),
		"μ-law -> PCM16 -> μ-law must be the identity")
}

func TestUlaw_RoundTripWithinQuantisation(t *testing.T) {
	pcm := pcmSine(12000)
	decoded := DecodeUlaw(EncodeUlaw(pcm))
	require.Equal(t, len(pcm), len(decoded))

	for i := 0; i < len(pcm); i += 2 {
		want := int16(binary.LittleEndian.Uint16(pcm[i:]))
		got := int16(binary.LittleEndian.Uint16(decoded[i:]))
		diff := int32(want) - int32(got)
		if diff < 0 {
			diff = -diff
		}
		// μ-law segment width bounds the quantisation error; the largest
		// step at full scale is 1024 PCM16 units, so the error stays within
		// half of it.
		assert.LessOrEqual(t, diff, int32(512), "sample %d: want %d got %d", i/2, want, got)
	}
}

// ============================================================================
// Mixing
// ============================================================================

func putSamples(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(sample))
	}
	return out
}

func getSamples(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return out
}

func TestMixInto_Adds(t *testing.T) {
	dst := putSamples(100, -200, 0)
	src := putSamples(23, 50, -7)
	require.NoError(t, MixInto(dst, src))
	assert.Equal(t, []int16{123, -150, -7}, getSamples(dst))
}

func TestMixInto_SaturatesWithoutWrap(t *testing.T) {
	dst := putSamples(30000, -30000)
	src := putSamples(10000, -10000)
	require.NoError(t, MixInto(dst, src))
	assert.Equal(t, []int16{32767, -32767}, getSamples(dst))
}

func TestMixInto_LengthMismatch(t *testing.T) {
	assert.Error(t, MixInto(make([]byte, 4), make([]byte, 6)))
	assert.Error(t, MixInto(make([]byte, 3), make([]byte, 3)))
}

// ============================================================================
// Silence detection
// ============================================================================

func TestIsSilence(t *testing.T) {
	assert.True(t, IsSilence(make([]byte, 320)))
	frame := make([]byte, 320)
	frame[57] = 1
	assert.False(t, IsSilence(frame))
}
