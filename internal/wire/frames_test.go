// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_wire

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

// ============================================================================
// Outbound frames
// ============================================================================

func TestStart_Shape(t *testing.T) {
	s := NewFrameSerializer("call-1", "stream-1")
	raw, err := s.Start(0, []string{"inbound", "outbound"}, "audio/x-l16", 16000, json.RawMessage(`{"agent":"a1"}`))
	require.NoError(t, err)

	m := decodeJSON(t, raw)
	assert.Equal(t, "start", m["event"])
	assert.Equal(t, float64(0), m["sequenceNumber"])

	start := m["start"].(map[string]interface{})
	assert.Equal(t, "call-1", start["callId"])
	assert.Equal(t, "stream-1", start["stream_id"])
	assert.Equal(t, []interface{}{"inbound", "outbound"}, start["tracks"])

	format := start["mediaFormat"].(map[string]interface{})
	assert.Equal(t, "audio/x-l16", format["encoding"])
	assert.Equal(t, float64(16000), format["sampleRate"])

	extra := m["extra_headers"].(map[string]interface{})
	assert.Equal(t, "a1", extra["agent"])
}

func TestStart_OmitsEmptyExtraHeaders(t *testing.T) {
	s := NewFrameSerializer("call-1", "stream-1")
	raw, err := s.Start(0, []string{"inbound"}, "audio/x-mulaw", 8000, nil)
	require.NoError(t, err)
	m := decodeJSON(t, raw)
	_, present := m["extra_headers"]
	assert.False(t, present)
}

func TestMedia_Shape(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	s := NewFrameSerializer("call-1", "stream-1")
	raw, err := s.Media(7, "inbound", 140000, 8, payload)
	require.NoError(t, err)

	m := decodeJSON(t, raw)
	assert.Equal(t, "media", m["event"])
	assert.Equal(t, "stream-1", m["stream_id"])
	assert.Equal(t, float64(7), m["sequenceNumber"])

	media := m["media"].(map[string]interface{})
	assert.Equal(t, "inbound", media["track"])
	assert.Equal(t, "140000", media["timestamp"], "timestamp is a decimal string of microseconds")
	assert.Equal(t, float64(8), media["chunk"])

	decoded, err := base64.StdEncoding.DecodeString(media["payload"].(string))
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestStop_Shape(t *testing.T) {
	s := NewFrameSerializer("call-9", "stream-9")
	raw, err := s.Stop(51)
	require.NoError(t, err)

	m := decodeJSON(t, raw)
	assert.Equal(t, "stop", m["event"])
	assert.Equal(t, "stream-9", m["stream_id"])
	assert.Equal(t, float64(51), m["sequenceNumber"])
	stop := m["stop"].(map[string]interface{})
	assert.Equal(t, "call-9", stop["callId"])
}

// The stream-id casing differs between message families. The peer service
// depends on it; these tests pin it down.
func TestPlayedStream_UsesCamelCaseStreamId(t *testing.T) {
	s := NewFrameSerializer("call-1", "stream-1")
	raw, err := s.PlayedStream(12, "mark-a")
	require.NoError(t, err)

	m := decodeJSON(t, raw)
	assert.Equal(t, "playedStream", m["event"])
	assert.Equal(t, "stream-1", m["streamId"])
	assert.Equal(t, "mark-a", m["name"])
	assert.Equal(t, float64(12), m["sequenceNumber"])
	_, snake := m["stream_id"]
	assert.False(t, snake)
}

func TestMediaCleared_UsesCamelCaseStreamId(t *testing.T) {
	s := NewFrameSerializer("call-1", "stream-1")
	raw, err := s.MediaCleared(3)
	require.NoError(t, err)

	m := decodeJSON(t, raw)
	assert.Equal(t, "media.cleared", m["event"])
	assert.Equal(t, "stream-1", m["streamId"])
	assert.Equal(t, float64(3), m["sequenceNumber"])
}

func TestIncorrectPayload_Shape(t *testing.T) {
	s := NewFrameSerializer("call-1", "stream-1")
	raw, err := s.IncorrectPayload(4, `{"event":"bogus"}`)
	require.NoError(t, err)

	m := decodeJSON(t, raw)
	assert.Equal(t, "incorrectPayload", m["event"])
	assert.Equal(t, "stream-1", m["stream_id"])
	assert.Equal(t, `{"event":"bogus"}`, m["payload"])
	assert.Equal(t, float64(4), m["sequenceNumber"])
}

// ============================================================================
// Inbound parsing
// ============================================================================

func TestParseInbound_MediaPlay(t *testing.T) {
	raw := `{"event":"media.play","media":{"payload":"AAAA","contentType":"audio/x-l16","sampleRate":16000}}`
	msg, err := ParseInbound(raw)
	require.NoError(t, err)
	assert.Equal(t, EventMediaPlay, msg.Event)
	require.NotNil(t, msg.Media)
	assert.Equal(t, "AAAA", msg.Media.Payload)
	assert.Equal(t, "audio/x-l16", msg.Media.ContentType)
	assert.Equal(t, 16000, msg.Media.SampleRate)
	assert.Equal(t, raw, msg.Raw)
}

func TestParseInbound_Checkpoint(t *testing.T) {
	msg, err := ParseInbound(`{"event":"media.checkpoint","name":"half-way"}`)
	require.NoError(t, err)
	assert.Equal(t, EventMediaCheckpoint, msg.Event)
	assert.Equal(t, "half-way", msg.Name)
}

func TestParseInbound_RejectsInvalidJSON(t *testing.T) {
	_, err := ParseInbound("this is not json")
	assert.Error(t, err)
}

func TestParseInbound_RejectsMissingEvent(t *testing.T) {
	_, err := ParseInbound(`{"media":{"payload":"AAAA"}}`)
	assert.Error(t, err)
}

func TestParseInbound_UnknownEventPassesThrough(t *testing.T) {
	msg, err := ParseInbound(`{"event":"media.rewind"}`)
	require.NoError(t, err)
	assert.Equal(t, "media.rewind", msg.Event)
}

func TestDecodePayload(t *testing.T) {
	s := NewFrameSerializer("c", "s")
	data, err := s.DecodePayload(base64.StdEncoding.EncodeToString([]byte{9, 8, 7}))
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, data)

	_, err = s.DecodePayload("!!not-base64!!")
	assert.Error(t, err)
}
