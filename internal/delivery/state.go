package delivery

import (
	"chat-relay/internal/storage"
	"errors"
)

var ErrInconsistentState = errors.New("message is read but not delivered")

// State is the lifecycle position of a message, the store keeps it as the delivered/read flag pair
type State uint8

const (
	Queued State = iota
	Delivered
	Read
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	default:
		return "unknown"
	}
}

// StateOf decodes the flag pair of m
func StateOf(m storage.Message) (State, error) {
	switch {
	case m.Read && !m.Delivered:
		return Queued, ErrInconsistentState
	case m.Read:
		return Read, nil
	case m.Delivered:
		return Delivered, nil
	default:
		return Queued, nil
	}
}

// Advance moves m forward to state to.
// Moving to the current or an earlier state leaves m unchanged and reports false.
func Advance(m storage.Message, to State) (storage.Message, bool, error) {
	from, err := StateOf(m)
	if err != nil {
		return m, false, err
	}
	if to <= from {
		return m, false, nil
	}

	switch to {
	case Delivered:
		m.Delivered = true
	case Read:
		m.Delivered = true
		m.Read = true
	}
	return m, true, nil
}
