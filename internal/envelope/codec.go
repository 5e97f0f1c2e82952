// ABOUTME: Binary codec for session and wire envelopes using protobuf wire format.
// ABOUTME: Session frames are length-prefixed; decoding is strict and never coerces.

package envelope

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// HeaderSize is the length of the big-endian frame length prefix.
const HeaderSize = 4

// Field numbers of the session body.
const (
	fieldKind       protowire.Number = 1
	fieldDeviceName protowire.Number = 2
	fieldPayload    protowire.Number = 3
)

// Field numbers of the wire body.
const (
	fieldEventName protowire.Number = 1
	fieldData      protowire.Number = 2
)

var marshalOpts = proto.MarshalOptions{Deterministic: true}

// EncodeSession serializes (kind, deviceName, payload) into a complete frame.
func EncodeSession(kind Kind, deviceName string, payload *Payload) ([]byte, error) {
	env := Envelope{Kind: kind, DeviceName: deviceName, Payload: payload}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	body := make([]byte, HeaderSize, 64)
	body = protowire.AppendTag(body, fieldKind, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(kind))
	body = protowire.AppendTag(body, fieldDeviceName, protowire.BytesType)
	body = protowire.AppendString(body, deviceName)

	if payload != nil {
		wire, err := EncodeWire(payload.EventName, payload.Data)
		if err != nil {
			return nil, err
		}
		body = protowire.AppendTag(body, fieldPayload, protowire.BytesType)
		body = protowire.AppendBytes(body, wire)
	}

	n := len(body) - HeaderSize
	if uint64(n) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds frame limit", ErrEncode, n)
	}
	binary.BigEndian.PutUint32(body[:HeaderSize], uint32(n))
	return body, nil
}

// Encode serializes e into a complete frame.
func Encode(e Envelope) ([]byte, error) {
	return EncodeSession(e.Kind, e.DeviceName, e.Payload)
}

// DecodeSession parses exactly one complete frame.
func DecodeSession(frame []byte) (Envelope, error) {
	if len(frame) < HeaderSize {
		return Envelope{}, fmt.Errorf("%w: truncated header (%d of %d bytes)", ErrDecode, len(frame), HeaderSize)
	}
	n := binary.BigEndian.Uint32(frame[:HeaderSize])
	body := frame[HeaderSize:]
	if uint64(len(body)) != uint64(n) {
		return Envelope{}, fmt.Errorf("%w: frame declares %d body bytes, have %d", ErrDecode, n, len(body))
	}
	return DecodeBody(body)
}

// DecodeBody parses a session body without its length prefix.
func DecodeBody(body []byte) (Envelope, error) {
	var (
		env                          Envelope
		seenKind, seenName, seenWire bool
	)

	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		body = body[n:]

		switch num {
		case fieldKind:
			if typ != protowire.VarintType || seenKind {
				return Envelope{}, fieldError(num, typ, seenKind)
			}
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: kind: %v", ErrDecode, protowire.ParseError(m))
			}
			if v > math.MaxUint8 {
				return Envelope{}, fmt.Errorf("%w: unknown kind %d", ErrDecode, v)
			}
			env.Kind = Kind(v)
			seenKind = true
			body = body[m:]

		case fieldDeviceName:
			if typ != protowire.BytesType || seenName {
				return Envelope{}, fieldError(num, typ, seenName)
			}
			v, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: device name: %v", ErrDecode, protowire.ParseError(m))
			}
			env.DeviceName = string(v)
			seenName = true
			body = body[m:]

		case fieldPayload:
			if typ != protowire.BytesType || seenWire {
				return Envelope{}, fieldError(num, typ, seenWire)
			}
			v, m := protowire.ConsumeBytes(body)
			if m < 0 {
				return Envelope{}, fmt.Errorf("%w: payload: %v", ErrDecode, protowire.ParseError(m))
			}
			p, err := DecodeWire(v)
			if err != nil {
				return Envelope{}, err
			}
			env.Payload = p
			seenWire = true
			body = body[m:]

		default:
			return Envelope{}, fmt.Errorf("%w: unexpected field %d", ErrDecode, num)
		}
	}

	if !seenKind {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrDecode)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return env, nil
}

// EncodeWire serializes the nested (eventName, data) body. A nil data is sent as null.
func EncodeWire(eventName string, data *structpb.Value) ([]byte, error) {
	if err := validateEventName(eventName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if data == nil {
		data = structpb.NewNullValue()
	}
	raw, err := marshalOpts.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: event %q data: %v", ErrEncode, eventName, err)
	}

	b := make([]byte, 0, len(eventName)+len(raw)+8)
	b = protowire.AppendTag(b, fieldEventName, protowire.BytesType)
	b = protowire.AppendString(b, eventName)
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, raw)
	return b, nil
}

// DecodeWire parses a nested (eventName, data) body.
func DecodeWire(b []byte) (*Payload, error) {
	var (
		p                  Payload
		seenName, seenData bool
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: wire: %v", ErrDecode, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			return nil, fieldError(num, typ, false)
		}
		v, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, fmt.Errorf("%w: wire field %d: %v", ErrDecode, num, protowire.ParseError(m))
		}
		b = b[m:]

		switch num {
		case fieldEventName:
			if seenName {
				return nil, fieldError(num, typ, true)
			}
			p.EventName = string(v)
			seenName = true
		case fieldData:
			if seenData {
				return nil, fieldError(num, typ, true)
			}
			data := &structpb.Value{}
			if err := proto.Unmarshal(v, data); err != nil {
				return nil, fmt.Errorf("%w: data: %v", ErrDecode, err)
			}
			p.Data = data
			seenData = true
		default:
			return nil, fmt.Errorf("%w: unexpected wire field %d", ErrDecode, num)
		}
	}

	if err := validateEventName(p.EventName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	// Encoders always write data; null travels as an explicit null value.
	if !seenData {
		return nil, fmt.Errorf("%w: missing data", ErrDecode)
	}
	if p.Data.GetKind() == nil {
		return nil, fmt.Errorf("%w: data carries no value", ErrDecode)
	}
	return &p, nil
}

func fieldError(num protowire.Number, typ protowire.Type, duplicate bool) error {
	if duplicate {
		return fmt.Errorf("%w: duplicate field %d", ErrDecode, num)
	}
	return fmt.Errorf("%w: field %d has wire type %d", ErrDecode, num, typ)
}
