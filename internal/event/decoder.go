package event

import (
	"errors"
	"fmt"
	"github.com/valyala/fastjson"
)

var (
	ErrMalformed   = errors.New("malformed JSON")
	ErrUnknownType = errors.New("unknown event type")
	ErrBadField    = errors.New("bad field")
)

// Inbound is a decoded client frame, only the fields of its Type are set
type Inbound struct {
	Type        Type
	Receiver    string
	Body        string
	Counterpart string
}

// Decoder parses inbound frames, it is safe for concurrent use
type Decoder struct {
	pool fastjson.ParserPool
}

// Decode parses a single inbound frame.
// Field contents are only type-checked here, their validation belongs to the delivery layer.
func (d *Decoder) Decode(data []byte) (Inbound, error) {
	parser := d.pool.Get()
	defer d.pool.Put(parser)

	v, err := parser.ParseBytes(data)
	if err != nil {
		return Inbound{}, ErrMalformed
	}
	if v.Type() != fastjson.TypeObject {
		return Inbound{}, ErrMalformed
	}

	typ, err := stringField(v, "type")
	if err != nil {
		return Inbound{}, err
	}

	in := Inbound{Type: Type(typ)}
	switch in.Type {
	case TypeSend:
		if in.Receiver, err = stringField(v, "receiver"); err != nil {
			return Inbound{}, err
		}
		if in.Body, err = stringField(v, "body"); err != nil {
			return Inbound{}, err
		}
	case TypeMarkRead:
		if in.Counterpart, err = stringField(v, "counterpart"); err != nil {
			return Inbound{}, err
		}
	case TypeLogout:
	default:
		return Inbound{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}

	return in, nil
}

// stringField returns a copy of the string stored under key, the parser may reuse its buffer afterwards
func stringField(v *fastjson.Value, key string) (string, error) {
	if !v.Exists(key) {
		return "", fmt.Errorf("%w: missing field %q", ErrBadField, key)
	}
	field := v.Get(key)
	if field.Type() != fastjson.TypeString {
		return "", fmt.Errorf("%w: field %q must be a string", ErrBadField, key)
	}
	sb, err := field.StringBytes()
	if err != nil {
		return "", fmt.Errorf("%w: field %q must be a string", ErrBadField, key)
	}
	return string(sb), nil
}
