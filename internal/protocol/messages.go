package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeClientSpeech  MessageType = "client_speech"
	TypeSTTCommitted  MessageType = "stt_committed"
	TypeAgentResponse MessageType = "agent_response"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Control actions carried by ClientControl.
const (
	ActionMicEnable  = "mic_enable"
	ActionMicDisable = "mic_disable"
)

// System event codes.
const (
	CodeMicEnabled     = "mic_enabled"
	CodeMicDisabled    = "mic_disabled"
	CodeSessionEnding  = "session_ending"
	CodeSessionEnded   = "session_ended"
	CodeSessionResumed = "session_resumed"
)

// Task names dispatched when a push-to-talk turn ends.
const (
	TaskStudentSpokeOrActed     = "student_spoke_or_acted"
	TaskStudentStoppedListening = "student_stopped_listening"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// ClientSpeech stands in for the published microphone track. The server only
// transcribes it while the session's microphone is enabled.
type ClientSpeech struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type STTCommitted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type AgentResponse struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TaskID    string      `json:"task_id"`
	TaskName  string      `json:"task_name"`
	Text      string      `json:"text"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// TaskRequest is the body of a task dispatch.
type TaskRequest struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_control")
		}
		if msg.Action != ActionMicEnable && msg.Action != ActionMicDisable {
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	case TypeClientSpeech:
		var msg ClientSpeech
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_speech")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSTTCommitted:
		var msg STTCommitted
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAgentResponse:
		var msg AgentResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSystemEvent:
		var msg SystemEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
