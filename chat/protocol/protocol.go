package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message types carried in Envelope.Type.
const (
	TypeMessageSend          = "MESSAGE_SEND"
	TypeMessageReceive       = "MESSAGE_RECEIVE"
	TypeSystemMessageReceive = "SYSTEM_MESSAGE_RECEIVE"
	TypeServerStatusRequest  = "SERVERSTATUS_REQUEST"
	TypeServerStatusResponse = "SERVERSTATUS_RESPONSE"
)

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrMissingType = errors.New("envelope has no type")
)

// Envelope is the outer wrapper of every frame.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageSendPayload is sent by a client to post a chat line.
type MessageSendPayload struct {
	Message string `json:"message"`
}

// MessageReceivePayload is fanned out to every session for a chat line.
type MessageReceivePayload struct {
	Timestamp time.Time `json:"timestamp"`
	Nickname  string    `json:"nickname"`
	Message   string    `json:"message"`
}

// SystemMessageReceivePayload announces joins, leaves and other server notices.
type SystemMessageReceivePayload struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ServerStatusRequestPayload is empty; the request type alone is meaningful.
type ServerStatusRequestPayload struct{}

// ServerStatusResponsePayload answers a status request.
type ServerStatusResponsePayload struct {
	ClientCount int `json:"clientCount"`
}

// New builds an envelope of the given type around payload.
func New(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Encode serializes an envelope to a single text frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, ErrMissingType
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	return json.Marshal(env)
}

// Decode parses one text frame. The returned envelope has its Type trimmed.
func Decode(data []byte) (Envelope, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Envelope{}, ErrEmptyFrame
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return Envelope{}, ErrMissingType
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func DecodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return fmt.Errorf("decode %s payload: empty", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}

// MessageReceive builds a MESSAGE_RECEIVE envelope.
func MessageReceive(at time.Time, nickname, message string) (Envelope, error) {
	return New(TypeMessageReceive, MessageReceivePayload{
		Timestamp: at.UTC(),
		Nickname:  nickname,
		Message:   message,
	})
}

// SystemMessage builds a SYSTEM_MESSAGE_RECEIVE envelope.
func SystemMessage(at time.Time, message string) (Envelope, error) {
	return New(TypeSystemMessageReceive, SystemMessageReceivePayload{
		Timestamp: at.UTC(),
		Message:   message,
	})
}

// ServerStatusResponse builds a SERVERSTATUS_RESPONSE envelope.
func ServerStatusResponse(clientCount int) (Envelope, error) {
	return New(TypeServerStatusResponse, ServerStatusResponsePayload{ClientCount: clientCount})
}
