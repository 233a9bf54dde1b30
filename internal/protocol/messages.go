package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mkravets/studybuddy/internal/session"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserMessage   MessageType = "user_message"
	TypeClientControl MessageType = "client_control"

	TypeSessionState     MessageType = "session_state"
	TypeAssistantDelta   MessageType = "assistant_delta"
	TypeAssistantMessage MessageType = "assistant_message"
	TypeTurnLimit        MessageType = "turn_limit"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// UserMessage carries one user chat turn.
type UserMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// ClientControl carries out-of-band actions: reset, show_hint, finish.
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Prompt    string      `json:"prompt,omitempty"`
}

// SessionState is the full session snapshot pushed after any state change.
type SessionState struct {
	Type    MessageType      `json:"type"`
	Session *session.Session `json:"session"`
}

// AssistantDelta is one streamed text fragment of the reply in flight.
type AssistantDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TextDelta string      `json:"text_delta"`
}

// AssistantMessage is the authoritative complete reply. Clients replace any
// accumulated deltas with this text; a mid-stream fallback restart can make
// the fragments diverge from the final reply.
type AssistantMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	Fallback  bool        `json:"fallback,omitempty"`
}

// TurnLimit announces that the conversation hit its response ceiling.
type TurnLimit struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Text == "" {
			return nil, errors.New("invalid user_message")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
