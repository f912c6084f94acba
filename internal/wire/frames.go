// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// ============================================================================
// Wire events
// ============================================================================

// Outbound events (engine -> consumer).
const (
	EventStart            = "start"
	EventMedia            = "media"
	EventStop             = "stop"
	EventPlayedStream     = "playedStream"
	EventIncorrectPayload = "incorrectPayload"
	EventMediaCleared     = "media.cleared"
)

// Inbound events (consumer -> engine).
const (
	EventMediaPlay         = "media.play"
	EventMediaCheckpoint   = "media.checkpoint"
	EventMediaClear        = "media.clear"
	EventTranscriptionSend = "transcription.send"
)

// ============================================================================
// Outbound message shapes
// ============================================================================

// MediaFormat describes the advertised wire audio format.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
}

type StartBody struct {
	CallID      string      `json:"callId"`
	StreamID    string      `json:"stream_id"`
	Tracks      []string    `json:"tracks"`
	MediaFormat MediaFormat `json:"mediaFormat"`
}

type StartMessage struct {
	SequenceNumber uint64          `json:"sequenceNumber"`
	Event          string          `json:"event"`
	Start          StartBody       `json:"start"`
	ExtraHeaders   json.RawMessage `json:"extra_headers,omitempty"`
}

type MediaBody struct {
	Track     string `json:"track"`
	Timestamp string `json:"timestamp"`
	Chunk     uint64 `json:"chunk"`
	Payload   string `json:"payload"`
}

type MediaMessage struct {
	SequenceNumber uint64          `json:"sequenceNumber"`
	StreamID       string          `json:"stream_id"`
	Event          string          `json:"event"`
	Media          MediaBody       `json:"media"`
	ExtraHeaders   json.RawMessage `json:"extra_headers,omitempty"`
}

type StopBody struct {
	CallID string `json:"callId"`
}

type StopMessage struct {
	SequenceNumber uint64          `json:"sequenceNumber"`
	StreamID       string          `json:"stream_id"`
	Event          string          `json:"event"`
	Stop           StopBody        `json:"stop"`
	ExtraHeaders   json.RawMessage `json:"extra_headers,omitempty"`
}

// PlayedStreamMessage and ClearedMessage carry the camelCase streamId key.
// The peer service grew up with both casings on the wire; preserved for
// compatibility.
type PlayedStreamMessage struct {
	Event          string `json:"event"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	StreamID       string `json:"streamId"`
	Name           string `json:"name"`
}

type IncorrectPayloadMessage struct {
	Event          string `json:"event"`
	StreamID       string `json:"stream_id"`
	Payload        string `json:"payload"`
	SequenceNumber uint64 `json:"sequenceNumber"`
}

type ClearedMessage struct {
	SequenceNumber uint64 `json:"sequenceNumber"`
	StreamID       string `json:"streamId"`
	Event          string `json:"event"`
}

// ============================================================================
// Inbound message shapes
// ============================================================================

// InboundMedia is the media body of a media.play message.
type InboundMedia struct {
	Payload     string `json:"payload"`
	ContentType string `json:"contentType"`
	SampleRate  int    `json:"sampleRate"`
}

// InboundMessage is the envelope of every accepted ingress message. Raw is
// the original JSON text, kept for transcription passthrough.
type InboundMessage struct {
	Event string        `json:"event"`
	Media *InboundMedia `json:"media,omitempty"`
	Name  string        `json:"name,omitempty"`

	Raw string `json:"-"`
}

// ParseInbound decodes one ingress text frame. A missing or empty event
// field is an error; unknown events are returned as-is for the caller to
// reject with an incorrectPayload ack.
func ParseInbound(raw string) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("unparseable ingress message: %w", err)
	}
	if msg.Event == "" {
		return nil, fmt.Errorf("ingress message missing event field")
	}
	msg.Raw = raw
	return &msg, nil
}

// ============================================================================
// FrameSerializer
// ============================================================================

// FrameSerializer builds the outbound JSON text frames for one stream. All
// base64 uses the standard alphabet with padding; media timestamps are
// microseconds since stream start, encoded as a decimal string.
type FrameSerializer struct {
	callID   string
	streamID string
	encoder  *base64.Encoding
}

// NewFrameSerializer returns a serializer bound to a (call, stream) pair.
func NewFrameSerializer(callID, streamID string) *FrameSerializer {
	return &FrameSerializer{
		callID:   callID,
		streamID: streamID,
		encoder:  base64.StdEncoding,
	}
}

// Start builds the start message announcing tracks and media format.
func (s *FrameSerializer) Start(seq uint64, tracks []string, encoding string, sampleRate int, extraHeaders json.RawMessage) (string, error) {
	return marshal(StartMessage{
		SequenceNumber: seq,
		Event:          EventStart,
		Start: StartBody{
			CallID:   s.callID,
			StreamID: s.streamID,
			Tracks:   tracks,
			MediaFormat: MediaFormat{
				Encoding:   encoding,
				SampleRate: sampleRate,
			},
		},
		ExtraHeaders: extraHeaders,
	})
}

// Media builds one audio frame message. timestamp is the send-side media
// clock in microseconds; chunk is the transmitted-chunk count.
func (s *FrameSerializer) Media(seq uint64, track string, timestamp uint64, chunk uint64, payload []byte) (string, error) {
	return marshal(MediaMessage{
		SequenceNumber: seq,
		StreamID:       s.streamID,
		Event:          EventMedia,
		Media: MediaBody{
			Track:     track,
			Timestamp: strconv.FormatUint(timestamp, 10),
			Chunk:     chunk,
			Payload:   s.encoder.EncodeToString(payload),
		},
	})
}

// Stop builds the final stop message.
func (s *FrameSerializer) Stop(seq uint64) (string, error) {
	return marshal(StopMessage{
		SequenceNumber: seq,
		StreamID:       s.streamID,
		Event:          EventStop,
		Stop:           StopBody{CallID: s.callID},
	})
}

// PlayedStream builds the checkpoint-crossed notification.
func (s *FrameSerializer) PlayedStream(seq uint64, name string) (string, error) {
	return marshal(PlayedStreamMessage{
		Event:          EventPlayedStream,
		SequenceNumber: seq,
		StreamID:       s.streamID,
		Name:           name,
	})
}

// IncorrectPayload builds the malformed-ingress acknowledgement.
func (s *FrameSerializer) IncorrectPayload(seq uint64, payload string) (string, error) {
	return marshal(IncorrectPayloadMessage{
		Event:          EventIncorrectPayload,
		StreamID:       s.streamID,
		Payload:        payload,
		SequenceNumber: seq,
	})
}

// MediaCleared builds the media.clear acknowledgement.
func (s *FrameSerializer) MediaCleared(seq uint64) (string, error) {
	return marshal(ClearedMessage{
		SequenceNumber: seq,
		StreamID:       s.streamID,
		Event:          EventMediaCleared,
	})
}

// DecodePayload decodes a base64 media payload.
func (s *FrameSerializer) DecodePayload(payload string) ([]byte, error) {
	return s.encoder.DecodeString(payload)
}

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal wire message: %w", err)
	}
	return string(data), nil
}
