package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// ServerEvent is the union of every server → client frame
type ServerEvent struct {
	Type string `json:"type"`

	// response.audio.delta carries base64 audio; response.audio_transcript.delta carries text
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed / response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// error is either a string or an object, see ErrorMessage
	Error json.RawMessage `json:"error,omitempty"`

	// set on client frames the relay inspects
	Action string `json:"action,omitempty"`
	Audio  string `json:"audio,omitempty"`
}

// ErrorDetail is the object form of an error frame payload
type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ErrorFrame is the string form sent by the relay
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewError builds an error frame with a plain string message
func NewError(msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: msg}
}

// ErrorMessage extracts a readable message from the error payload
func (e *ServerEvent) ErrorMessage() string {
	if len(e.Error) == 0 {
		return "unknown error"
	}

	var s string
	if err := sonic.Unmarshal(e.Error, &s); err == nil {
		if s == "" {
			return "unknown error"
		}
		return s
	}

	var d ErrorDetail
	if err := sonic.Unmarshal(e.Error, &d); err == nil && d.Message != "" {
		if d.Code != "" {
			return fmt.Sprintf("%s (%s)", d.Message, d.Code)
		}
		return d.Message
	}

	return string(e.Error)
}

// IsStart reports whether the frame is a session start request
func (e *ServerEvent) IsStart() bool {
	return e.Type == TypeStart || e.Action == TypeStart
}

// Encode marshals a frame to JSON
func Encode(v any) ([]byte, error) {
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

// Decode parses one inbound frame
func Decode(data []byte) (*ServerEvent, error) {
	var evt ServerEvent
	if err := sonic.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &evt, nil
}

// DecodeInto unmarshals a frame into a concrete frame type
func DecodeInto(data []byte, v any) error {
	if err := sonic.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	return nil
}
