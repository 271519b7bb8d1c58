// Package protocol – message.go defines the wire contract between the bridge
// server, the connection supervisor and the automation agent. Every frame on
// the server link and every envelope on the internal channel carries exactly
// one Message, serialized as a flat JSON record.
//
// Correlation rule: a reply to a command carries reply_to equal to the
// command's id. A command sent without an id is fire-and-forget (PING/PONG,
// status events) and can never receive a correlated reply.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type vocabulary. Unknown types are logged and dropped by the
// receiver; they are never fatal.
const (
	TypePing        = "PING"             // server → supervisor
	TypePong        = "PONG"             // supervisor → server
	TypeSendMessage = "CMD_SEND_MESSAGE" // server → supervisor → agent
	TypeReply       = "EVENT_REPLY"      // agent → server
	TypeError       = "EVENT_ERROR"      // agent/supervisor → server
	TypeStatus      = "EVENT_STATUS"     // agent → server
)

// Reply status values carried in EVENT_REPLY payloads.
const (
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
)

// Agent status values carried in EVENT_STATUS payloads.
const (
	AgentIdle = "idle"
	AgentBusy = "busy"
)

// Message is the wire/internal unit.
type Message struct {
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendMessagePayload is the payload of CMD_SEND_MESSAGE. An empty
// ConversationID means "start a new conversation".
type SendMessagePayload struct {
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id"`
}

// ReplyPayload is the payload of EVENT_REPLY.
type ReplyPayload struct {
	Text           string `json:"text"`
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
}

// ErrorPayload is the payload of EVENT_ERROR.
type ErrorPayload struct {
	Error string `json:"error"`
}

// StatusPayload is the payload of EVENT_STATUS.
type StatusPayload struct {
	Status string `json:"status"`
}

// Parse decodes a wire frame. A frame that does not decode as a Message, or
// that carries no type tag, is a protocol parse error; the caller drops the
// frame and keeps the link open.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("malformed frame: missing type")
	}
	return &msg, nil
}

// Encode serializes a message for the wire.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePayload unmarshals the payload into the given shape.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

// NewPong builds the fire-and-forget heartbeat reply.
func NewPong() *Message {
	return &Message{Type: TypePong}
}

// NewSendMessage builds a correlated prompt command.
func NewSendMessage(id, prompt, conversationID string) *Message {
	payload, _ := json.Marshal(SendMessagePayload{
		Prompt:         prompt,
		ConversationID: conversationID,
	})
	return &Message{ID: id, Type: TypeSendMessage, Payload: payload}
}

// NewReply builds an EVENT_REPLY correlated to the originating command.
func NewReply(commandID, text, status, conversationID string) *Message {
	payload, _ := json.Marshal(ReplyPayload{
		Text:           text,
		Status:         status,
		ConversationID: conversationID,
	})
	return &Message{ReplyTo: commandID, Type: TypeReply, Payload: payload}
}

// NewError builds an EVENT_ERROR. commandID may be empty when the failure
// cannot be attributed to a specific command; the reply_to field is then
// absent from the frame.
func NewError(commandID, errText string) *Message {
	payload, _ := json.Marshal(ErrorPayload{Error: errText})
	return &Message{ReplyTo: commandID, Type: TypeError, Payload: payload}
}

// NewStatus builds a fire-and-forget agent status event.
func NewStatus(status string) *Message {
	payload, _ := json.Marshal(StatusPayload{Status: status})
	return &Message{Type: TypeStatus, Payload: payload}
}
