// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	internal_session "github.com/rapidaai/audio-stream/internal/session"
	internal_supervisor "github.com/rapidaai/audio-stream/internal/supervisor"
	internal_transport "github.com/rapidaai/audio-stream/internal/transport"
	"github.com/rapidaai/audio-stream/pkg/commons"
)

// Command-surface responses. The surface is fire-and-forget: a verb is
// accepted and dispatched or refused; failures after dispatch arrive
// asynchronously on the event bus.
const (
	ResponseOK  = "+OK Success"
	ResponseErr = "-ERR Operation Failed"

	apiVerb = "uuid_audio_stream"
)

// startRequest is the validated shape of a start command.
type startRequest struct {
	CallID        string `validate:"required"`
	StreamID      string `validate:"required"`
	URL           string `validate:"required"`
	Track         string `validate:"required,oneof=inbound outbound both"`
	Rate          int    `validate:"required,min=8000"`
	TimeoutSecs   int    `validate:"min=0"`
	Bidirectional bool
	Metadata      string
}

// Surface dispatches the single API verb onto the supervisor.
type Surface struct {
	logger     commons.Logger
	supervisor *internal_supervisor.Supervisor
	validate   *validator.Validate
}

// NewSurface builds the command dispatcher.
func NewSurface(logger commons.Logger, supervisor *internal_supervisor.Supervisor) *Surface {
	return &Surface{
		logger:     logger,
		supervisor: supervisor,
		validate:   validator.New(),
	}
}

// Execute parses and dispatches one command line:
//
//	uuid_audio_stream <call-uuid> <stream-id> start <url> <track> <rate> <timeout> <bidi> [metadata]
//	uuid_audio_stream <call-uuid> <stream-id> stop [reason]
//	uuid_audio_stream <call-uuid> <stream-id> pause
//	uuid_audio_stream <call-uuid> <stream-id> resume
//	uuid_audio_stream <call-uuid> <stream-id> graceful-shutdown [reason]
//	uuid_audio_stream <call-uuid> <stream-id> send_text <json-text>
//
// The response body reports success; the exit status is always zero.
func (s *Surface) Execute(line string) string {
	if err := s.execute(line); err != nil {
		s.logger.Warnw("command refused", "command", line, "error", err.Error())
		return ResponseErr
	}
	return ResponseOK
}

func (s *Surface) execute(line string) error {
	tokens := strings.Fields(strings.TrimSpace(line))
	if len(tokens) > 0 && tokens[0] == apiVerb {
		tokens = tokens[1:]
	}
	if len(tokens) < 3 {
		return fmt.Errorf("usage: %s <call-uuid> <stream-id> <verb> ...", apiVerb)
	}
	callID, streamID, verb := tokens[0], tokens[1], tokens[2]
	args := tokens[3:]

	switch verb {
	case "start":
		return s.start(callID, streamID, args)
	case "stop":
		return s.supervisor.StopSession(callID, streamID, strings.Join(args, " "))
	case "pause":
		return s.supervisor.PauseSession(callID, streamID)
	case "resume":
		return s.supervisor.ResumeSession(callID, streamID)
	case "graceful-shutdown":
		return s.supervisor.GracefulShutdownSession(callID, streamID, strings.Join(args, " "))
	case "send_text":
		if len(args) == 0 {
			return fmt.Errorf("send_text requires a JSON payload")
		}
		return s.supervisor.SendText(callID, streamID, strings.Join(args, " "))
	}
	return fmt.Errorf("unknown verb %q", verb)
}

func (s *Surface) start(callID, streamID string, args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("start requires <url> <track> <rate> <timeout> <bidi>")
	}

	rate, err := ParseSampleRate(args[2])
	if err != nil {
		return err
	}
	timeout, err := strconv.Atoi(args[3])
	if err != nil || timeout < 0 {
		return fmt.Errorf("invalid timeout %q", args[3])
	}
	bidi, err := parseBidi(args[4])
	if err != nil {
		return err
	}

	req := startRequest{
		CallID:        callID,
		StreamID:      streamID,
		URL:           args[0],
		Track:         args[1],
		Rate:          rate,
		TimeoutSecs:   timeout,
		Bidirectional: bidi,
	}
	if len(args) > 5 {
		req.Metadata = strings.Join(args[5:], " ")
	}

	if err := s.validate.Struct(&req); err != nil {
		return fmt.Errorf("invalid start command: %w", err)
	}
	if req.Rate%8000 != 0 {
		return fmt.Errorf("rate %d is not a positive multiple of 8000", req.Rate)
	}
	if _, err := internal_transport.NormalizeURL(req.URL); err != nil {
		return err
	}
	direction, err := internal_session.ParseDirection(req.Track)
	if err != nil {
		return err
	}

	var metadata json.RawMessage
	if req.Metadata != "" {
		if !json.Valid([]byte(req.Metadata)) {
			return fmt.Errorf("metadata is not valid JSON")
		}
		metadata = json.RawMessage(req.Metadata)
	}

	return s.supervisor.StartSession(internal_supervisor.StartParams{
		CallID:        callID,
		StreamID:      streamID,
		URL:           req.URL,
		Direction:     direction,
		WireRate:      req.Rate,
		TimeoutSecs:   req.TimeoutSecs,
		Bidirectional: req.Bidirectional,
		Metadata:      metadata,
	})
}

// ParseSampleRate accepts an integer number of hertz or the 8k/16k
// shorthand.
func ParseSampleRate(token string) (int, error) {
	switch strings.ToLower(token) {
	case "8k":
		return 8000, nil
	case "16k":
		return 16000, nil
	}
	rate, err := strconv.Atoi(token)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("invalid sampling rate %q", token)
	}
	return rate, nil
}

func parseBidi(token string) (bool, error) {
	switch token {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("invalid bidi flag %q", token)
}
