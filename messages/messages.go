// Package messages defines the babel-fish-v1 wire protocol: JSON text frames
// with a "type" discriminator and a "payload" object, in both directions.
package messages

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Subprotocol is the negotiated WebSocket subprotocol identifier.
const Subprotocol = "babel-fish-v1"

// Client -> server message types
const (
	TypeStartSession = "start_session"
	TypeStopSession  = "stop_session"
	TypePing         = "ping"
)

// Server -> client message types
const (
	TypeSessionStarted = "session_started"
	TypeTranslation    = "translation"
	TypeSessionStopped = "session_stopped"
	TypeError          = "error"
	TypePong           = "pong"
)

// Error codes
const (
	ErrCodeConnectionTimeout = "CONNECTION_TIMEOUT"
	ErrCodeInvalidLanguage   = "INVALID_LANGUAGE"
	ErrCodeServerError       = "SERVER_ERROR"
	ErrCodeAudioDecodeError  = "AUDIO_DECODE_ERROR"
)

// Session stop reasons
const (
	StopReasonClientRequested = "client_requested"
	StopReasonError           = "error"
	StopReasonTimeout         = "timeout"
)

// Envelope is the tagged-union frame carried on the wire. Payload stays raw
// on the decode side so each type can be unmarshaled individually.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// StartSessionPayload requests a new translation session
type StartSessionPayload struct {
	SourceLanguage string `json:"sourceLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	ClientID       string `json:"clientId"`
}

// StopSessionPayload gracefully ends a session
type StopSessionPayload struct {
	SessionID string `json:"sessionId"`
}

// PingPayload is the heartbeat sent while connected
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// SessionStartedPayload acknowledges session acceptance
type SessionStartedPayload struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// TranslationPayload is one server-reported translation unit
type TranslationPayload struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"isFinal"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
	Latency    float64 `json:"latency"`
}

// SessionStoppedPayload reports session termination
type SessionStoppedPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// PongPayload acknowledges a heartbeat ping
type PongPayload struct {
	Timestamp       int64 `json:"timestamp"`
	ServerTimestamp int64 `json:"serverTimestamp"`
}

// typed is the encode-side counterpart of Envelope
type typed struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// NewStartSession creates a start_session request
func NewStartSession(sourceLang, targetLang, clientID string) any {
	return &typed{Type: TypeStartSession, Payload: StartSessionPayload{
		SourceLanguage: sourceLang,
		TargetLanguage: targetLang,
		ClientID:       clientID,
	}}
}

// NewStopSession creates a stop_session request
func NewStopSession(sessionID string) any {
	return &typed{Type: TypeStopSession, Payload: StopSessionPayload{SessionID: sessionID}}
}

// NewPing creates a heartbeat ping
func NewPing(timestamp int64) any {
	return &typed{Type: TypePing, Payload: PingPayload{Timestamp: timestamp}}
}

// NewSessionStarted creates a session_started acknowledgement
func NewSessionStarted(sessionID string, timestamp int64) any {
	return &typed{Type: TypeSessionStarted, Payload: SessionStartedPayload{
		SessionID: sessionID,
		Timestamp: timestamp,
	}}
}

// NewTranslation creates a translation result message
func NewTranslation(text string, isFinal bool, confidence float64, timestamp int64, latency float64) any {
	return &typed{Type: TypeTranslation, Payload: TranslationPayload{
		Text:       text,
		IsFinal:    isFinal,
		Confidence: confidence,
		Timestamp:  timestamp,
		Latency:    latency,
	}}
}

// NewSessionStopped creates a session_stopped notification
func NewSessionStopped(sessionID, reason string) any {
	return &typed{Type: TypeSessionStopped, Payload: SessionStoppedPayload{
		SessionID: sessionID,
		Reason:    reason,
	}}
}

// NewError creates an error message
func NewError(code, message string, timestamp int64) any {
	return &typed{Type: TypeError, Payload: ErrorPayload{
		Code:      code,
		Message:   message,
		Timestamp: timestamp,
	}}
}

// NewPong creates a heartbeat acknowledgement
func NewPong(timestamp, serverTimestamp int64) any {
	return &typed{Type: TypePong, Payload: PongPayload{
		Timestamp:       timestamp,
		ServerTimestamp: serverTimestamp,
	}}
}

// Encode marshals a message for the wire
func Encode(msg any) ([]byte, error) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// Decode parses a text frame into an Envelope, leaving the payload raw
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("message missing 'type' field")
	}
	return &env, nil
}

// DecodePayload unmarshals an envelope payload into the given struct
func DecodePayload(env *Envelope, v any) error {
	if err := sonic.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return nil
}
