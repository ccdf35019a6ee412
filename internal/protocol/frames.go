// Package protocol defines the JSON frames exchanged between Nexus and its
// WebSocket clients. Every frame is an envelope with a type and a raw data
// object; the data layout depends on the type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound frame types, sent by clients.
const (
	TypeChatSend      = "chat.send"
	TypeCallInvite    = "call.invite"
	TypeCallAnswer    = "call.answer"
	TypeCallSignal    = "call.signal"
	TypeCallConnected = "call.connected"
	TypeCallEnd       = "call.end"
	TypePresenceQuery = "presence.query"
)

// Outbound frame types, sent by the server.
const (
	TypeChatMessage           = "chat.message"
	TypeChatEcho              = "chat.echo"
	TypeCallIncoming          = "call.incoming"
	TypeCallState             = "call.state"
	TypeCallAnsweredElsewhere = "call.answered_elsewhere"
	TypePresenceChanged       = "presence.changed"
	TypeNotification          = "notification"
	TypeAck                   = "ack"
	TypeError                 = "error"
)

// Frame is the envelope for every message on the wire. ID is an optional
// client-chosen correlation id echoed back on the matching ack or error.
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses a raw frame. The data object is left undecoded.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return f, nil
}

// DecodeData unmarshals the frame's data object into v.
func (f Frame) DecodeData(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("frame %s: missing data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("frame %s: %w", f.Type, err)
	}
	return nil
}

// Encode builds the wire bytes for an outbound frame.
func Encode(frameType, id string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", frameType, err)
		}
		raw = b
	}
	return json.Marshal(Frame{Type: frameType, ID: id, Data: raw})
}

// ChatSend is the data of a chat.send frame. To is a recipient user id or a
// direct conversation id.
type ChatSend struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// ChatMessage is the data of chat.message and chat.echo frames.
type ChatMessage struct {
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	RecipientID    string          `json:"recipient_id"`
	Seq            uint64          `json:"seq"`
	Payload        json.RawMessage `json:"payload"`
	SentAt         time.Time       `json:"sent_at"`
}

// ChatResult is the ack data of a chat.send frame. Status is delivered,
// queued or rejected.
type ChatResult struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
	Seq            uint64 `json:"seq,omitempty"`
	Connections    int    `json:"connections,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// CallInvite is the data of a call.invite frame.
type CallInvite struct {
	Callee string `json:"callee"`
	Kind   string `json:"kind,omitempty"`
}

// CallAnswer is the data of a call.answer frame.
type CallAnswer struct {
	SessionID string `json:"session_id"`
	Accept    bool   `json:"accept"`
}

// CallSignal is the data of an inbound call.signal frame. Payload is opaque
// (SDP offers and answers, ICE candidates) and relayed verbatim.
type CallSignal struct {
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// CallRef is the data of call.connected and call.end frames.
type CallRef struct {
	SessionID string `json:"session_id"`
}

// CallIncoming is pushed to every connection of the callee when a call rings.
type CallIncoming struct {
	SessionID string `json:"session_id"`
	CallerID  string `json:"caller_id"`
	Kind      string `json:"kind"`
}

// CallState reports a session state change to a party.
type CallState struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Reason    string `json:"reason,omitempty"`
}

// RelayedSignal is an outbound call.signal frame.
type RelayedSignal struct {
	SessionID string          `json:"session_id"`
	From      string          `json:"from"`
	Payload   json.RawMessage `json:"payload"`
}

// PresenceQuery is the data of a presence.query frame.
type PresenceQuery struct {
	UserID string `json:"user_id"`
}

// PresenceStatus answers a presence.query frame.
type PresenceStatus struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// PresenceChanged reports a user's Online/Offline transition.
type PresenceChanged struct {
	UserID string    `json:"user_id"`
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Notification is the data of a live notification frame.
type Notification struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Error is the data of an error frame.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
