// Package ws is the WebSocket message bus: authenticated connections, topic
// subscriptions with permission checks, and fan-out to local subscribers plus
// other gateway instances via the shared store's pub/sub.
package ws

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Client-originated frame types.
const (
	TypeAuthenticate = "authenticate"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypePublish      = "publish"
	TypeHeartbeat    = "heartbeat"
)

// Server-originated frame types.
const (
	TypeConnectionEstablished   = "connection_established"
	TypeAuthSuccess             = "auth_success"
	TypeAuthError               = "auth_error"
	TypeSubscriptionConfirmed   = "subscription_confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription_confirmed"
	TypeTopicMessage            = "topic_message"
	TypeHeartbeatAck            = "heartbeat_ack"
	TypeError                   = "error"
)

// Error codes carried in error frames.
const (
	CodeAuthRequired       = "auth_required"
	CodeAuthFailed         = "auth_failed"
	CodeSubscriptionDenied = "subscription_denied"
	CodeUnknownMessageType = "unknown_message_type"
	CodeBadFrame           = "bad_request"
)

// Message is the wire frame in both directions. Field names are stable for
// clients in other languages.
type Message struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Topic     string         `json:"topic,omitempty"`
	Token     string         `json:"token,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	SenderID  string         `json:"sender_id,omitempty"`
	Code      string         `json:"code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newServerMessage(msgType string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
}

func errorMessage(code, detail string) *Message {
	m := newServerMessage(TypeError)
	m.Code = code
	m.Error = detail
	return m
}

func (m *Message) encode() ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
