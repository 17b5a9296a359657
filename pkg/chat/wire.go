// Package chat is a small room-based chat system carried over the reliable
// datagram transport. It lives strictly on top of the transport's public
// API: one JSON envelope per transport message.
package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// MessageType discriminates the JSON envelopes on the wire.
type MessageType string

const (
	// Client to server.
	TypeLogin MessageType = "LOGIN"
	TypeJoin  MessageType = "JOIN"
	TypeLeave MessageType = "LEAVE"
	TypeMsg   MessageType = "MSG"
	TypeDM    MessageType = "DM"

	// Server to client.
	TypeChat MessageType = "CHAT"
	TypeInfo MessageType = "INFO"
)

// Envelope is the single message shape exchanged between client and server.
// Unused fields are omitted on the wire.
type Envelope struct {
	Type MessageType `json:"type"`

	// ID is a server-assigned message id, set on CHAT and INFO.
	ID string `json:"id,omitempty"`

	Room   string `json:"room,omitempty"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`

	// Name and Session identify the user at LOGIN; To addresses a DM.
	Name    string `json:"name,omitempty"`
	Session string `json:"session,omitempty"`
	To      string `json:"to,omitempty"`

	// Msg carries informational text on INFO envelopes.
	Msg string `json:"msg,omitempty"`
}

// Encode marshals the envelope for transmission.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	return b, errors.Wrap(err, "encode envelope")
}

// DecodeEnvelope parses one received message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if e.Type == "" {
		return Envelope{}, errors.New("envelope without a type")
	}
	return e, nil
}
