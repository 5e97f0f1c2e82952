// ABOUTME: Envelope types exchanged between DAQ devices and the gateway.
// ABOUTME: Defines event kinds, the session envelope, the nested payload, and codec errors.

package envelope

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrEncode indicates an envelope that cannot be represented on the wire.
var ErrEncode = errors.New("envelope encode error")

// ErrDecode indicates truncated, corrupt, or mis-shaped envelope bytes.
var ErrDecode = errors.New("envelope decode error")

// ErrFrameTooLarge indicates a frame whose declared length exceeds the reader limit.
// It wraps ErrDecode.
var ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrDecode)

// Kind identifies the lifecycle event an envelope carries.
type Kind uint8

// Event kinds as numbered on the wire.
const (
	KindConnect    Kind = 1
	KindDisconnect Kind = 2
	KindMessage    Kind = 3
)

// Valid reports whether k is one of the three known kinds.
func (k Kind) Valid() bool {
	return k == KindConnect || k == KindDisconnect || k == KindMessage
}

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "CONNECT"
	case KindDisconnect:
		return "DISCONNECT"
	case KindMessage:
		return "MESSAGE"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Payload is the nested (eventName, data) pair carried by MESSAGE envelopes.
type Payload struct {
	EventName string
	Data      *structpb.Value
}

// NewPayload builds a Payload from a Go value. Accepted values are those
// structpb.NewValue accepts: nil, bools, numbers, strings, []byte,
// map[string]any and []any of the same.
func NewPayload(eventName string, v any) (*Payload, error) {
	data, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("%w: event %q: %v", ErrEncode, eventName, err)
	}
	return &Payload{EventName: eventName, Data: data}, nil
}

// Value returns the payload data as a plain Go value.
func (p *Payload) Value() any {
	if p == nil || p.Data == nil {
		return nil
	}
	return p.Data.AsInterface()
}

// Equal reports whether two payloads carry the same event name and data.
func (p *Payload) Equal(o *Payload) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.EventName == o.EventName && proto.Equal(p.data(), o.data())
}

// data returns the payload value, substituting null for a nil Data.
func (p *Payload) data() *structpb.Value {
	if p.Data == nil {
		return structpb.NewNullValue()
	}
	return p.Data
}

// Envelope is one decoded session envelope: (kind, deviceName, payload).
// Payload is non-nil if and only if Kind is KindMessage.
type Envelope struct {
	Kind       Kind
	DeviceName string
	Payload    *Payload
}

// Equal reports whether two envelopes are the same triple.
func (e Envelope) Equal(o Envelope) bool {
	return e.Kind == o.Kind && e.DeviceName == o.DeviceName && e.Payload.Equal(o.Payload)
}

// Validate checks the kind, the device name, and the payload invariant.
func (e Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("unknown kind %d", uint8(e.Kind))
	}
	if e.DeviceName == "" {
		return errors.New("empty device name")
	}
	if !utf8.ValidString(e.DeviceName) {
		return errors.New("device name is not valid UTF-8")
	}
	switch {
	case e.Kind == KindMessage && e.Payload == nil:
		return errors.New("MESSAGE without payload")
	case e.Kind != KindMessage && e.Payload != nil:
		return fmt.Errorf("%s with payload", e.Kind)
	}
	if e.Payload != nil {
		return validateEventName(e.Payload.EventName)
	}
	return nil
}

func validateEventName(name string) error {
	if name == "" {
		return errors.New("empty event name")
	}
	if !utf8.ValidString(name) {
		return errors.New("event name is not valid UTF-8")
	}
	return nil
}
