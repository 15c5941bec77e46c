package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Envelope type discriminators shared by both directions of the wire.
const (
	TypeJoinChannel       = "join_channel"
	TypeLeaveChannel      = "leave_channel"
	TypeSendMessage       = "send_message"
	TypeNewMessage        = "new_message"
	TypeReceiveMessage    = "receive_message"
	TypeTyping            = "typing"
	TypeStopTyping        = "stop_typing"
	TypeUserTyping        = "user_typing"
	TypeUserStoppedTyping = "user_stopped_typing"
	TypeGetChanMessages   = "get_channel_messages"
	TypeMessagesHistory   = "messages_history"
	TypeUserJoined        = "user_joined"
	TypeUserLeft          = "user_left"
	TypeUserOnline        = "user_online"
	TypeUserOffline       = "user_offline"
)

// ID is an identifier that some peers emit as a JSON number and others as a
// JSON string. It normalizes to a string either way.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id is neither string nor number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Int returns the numeric form, 0 when the id is empty or non-numeric.
func (id ID) Int() int {
	n, _ := strconv.Atoi(string(id))
	return n
}

// Envelope is one JSON message unit exchanged over the transport. The same
// schema serves both directions; envelopes are never mutated after they are
// built.
type Envelope struct {
	Type      string `json:"type"`
	UserID    ID     `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`

	// Channel message fields.
	ChannelID   ID     `json:"channel_id,omitempty"`
	Content     string `json:"content,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`

	// Direct-message fields. The 1:1 path predates the channel schema and
	// carries its own sender/receiver pair; "message" is the legacy alias
	// of "content".
	SenderID        ID     `json:"sender_id,omitempty"`
	ReceiverID      ID     `json:"receiver_id,omitempty"`
	Message         string `json:"message,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`

	SenderUsername string          `json:"sender_username,omitempty"`
	SenderPfp      string          `json:"sender_pfp,omitempty"`
	PfpPath        string          `json:"pfp_path,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Body returns the message text regardless of which schema carried it.
func (e *Envelope) Body() string {
	if e.Content != "" {
		return e.Content
	}
	return e.Message
}

// Identity stamps the sender fields every outgoing envelope carries.
type Identity struct {
	UserID   string
	Username string
	PfpPath  string
}

// NewEnvelope builds an outgoing envelope of the given type with the sender
// identity and a fresh ISO-8601 timestamp.
func NewEnvelope(typ string, id Identity, now time.Time) Envelope {
	return Envelope{
		Type:      typ,
		UserID:    ID(id.UserID),
		Username:  id.Username,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// Marshal serializes the envelope for the wire.
func Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses one inbound frame. A frame that is not a JSON object, or
// that lacks a type discriminator, is rejected.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope missing type discriminator")
	}
	return &e, nil
}
