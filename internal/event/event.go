// Package event defines the frames exchanged with a connected client.
// Inbound frames are parsed with pooled fastjson parsers, outbound frames are encoded with encoding/json.
package event

import (
	"chat-relay/internal/storage"
	"encoding/json"
	"time"
)

// Type names a frame
type Type string

const (
	// inbound
	TypeSend     Type = "send"
	TypeMarkRead Type = "markRead"
	TypeLogout   Type = "logout"

	// outbound
	TypeIncomingMessage  Type = "incomingMessage"
	TypeSentConfirmation Type = "sentConfirmation"
	TypeUnreadCount      Type = "unreadCount"
	TypeError            Type = "error"
)

// Message is the wire shape of a persisted message
type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// FromStorage converts a stored message to its wire shape
func FromStorage(m storage.Message) Message {
	return Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Receiver:  m.Receiver,
		Body:      m.Body,
		CreatedAt: m.CreatedAt,
	}
}

// Event is an outbound frame
type Event struct {
	Type    Type     `json:"type"`
	Message *Message `json:"message,omitempty"`
	Count   *int64   `json:"count,omitempty"`
	Reason  string   `json:"reason,omitempty"`
}

func IncomingMessage(m storage.Message) Event {
	msg := FromStorage(m)
	return Event{Type: TypeIncomingMessage, Message: &msg}
}

func SentConfirmation(m storage.Message) Event {
	msg := FromStorage(m)
	return Event{Type: TypeSentConfirmation, Message: &msg}
}

func UnreadCount(n int64) Event {
	return Event{Type: TypeUnreadCount, Count: &n}
}

func Error(reason string) Event {
	return Event{Type: TypeError, Reason: reason}
}

// Encode renders e as a JSON text frame
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}
