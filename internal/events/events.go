// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_events

import (
	"encoding/json"

	"github.com/rapidaai/audio-stream/pkg/commons"
)

// Host-side event names published on the event bus. Every payload carries at
// least streamId.
const (
	ConnectionEstablished = "connection_established"
	ConnectionFailed      = "connection_failed"
	ConnectionTimeout     = "connection_timeout"
	ConnectionDegraded    = "connection_degraded"
	ConnectionClosed      = "connection_closed"

	StreamStarted       = "stream_started"
	StreamStopped       = "stream_stopped"
	StreamError         = "stream_error"
	StreamBufferOverrun = "stream_buffer_overrun"
	StreamHeartbeat     = "stream_heartbeat"
	StreamTimeout       = "stream_timeout"
	StreamInvalidInput  = "stream_invalid_input"

	MediaPlayStart        = "media_play_start"
	MediaPlayComplete     = "media_play_complete"
	MediaCleared          = "media_cleared"
	TranscriptionReceived = "transcription_received"
	MessageReceived       = "message_received"
)

// Publisher delivers engine events to the host platform's event bus. The
// payload is a JSON object string.
type Publisher interface {
	Publish(event string, payload string)
}

// Payload builds the JSON payload string for an event. streamId is always
// present; extra key/value pairs are appended.
func Payload(streamID string, kv ...interface{}) string {
	m := map[string]interface{}{"streamId": streamID}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			m[k] = kv[i+1]
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return `{"streamId":"` + streamID + `"}`
	}
	return string(data)
}

// loggingPublisher is the default bus: it logs every event. Deployments
// embed the engine and supply their own Publisher to bridge into the host
// event system.
type loggingPublisher struct {
	logger commons.Logger
}

// NewLoggingPublisher returns a Publisher that writes events to the logger.
func NewLoggingPublisher(logger commons.Logger) Publisher {
	return &loggingPublisher{logger: logger}
}

func (p *loggingPublisher) Publish(event string, payload string) {
	p.logger.Infow("engine event", "event", event, "payload", payload)
}
