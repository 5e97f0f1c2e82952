// ABOUTME: Tests for the session and wire envelope codec.
// ABOUTME: Covers round-trips, truncation at every length, and the payload invariant.

package envelope

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/structpb"
)

func mustPayload(t *testing.T, event string, v any) *Payload {
	t.Helper()
	p, err := NewPayload(event, v)
	require.NoError(t, err)
	return p
}

func TestSessionRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{name: "connect", env: Envelope{Kind: KindConnect, DeviceName: "press-01"}},
		{name: "disconnect", env: Envelope{Kind: KindDisconnect, DeviceName: "press-01"}},
		{name: "message number", env: Envelope{Kind: KindMessage, DeviceName: "A", Payload: mustPayload(t, "temp", 21.5)}},
		{name: "message null", env: Envelope{Kind: KindMessage, DeviceName: "A", Payload: mustPayload(t, "ping", nil)}},
		{name: "message string", env: Envelope{Kind: KindMessage, DeviceName: "A", Payload: mustPayload(t, "status", "running")}},
		{name: "message object", env: Envelope{Kind: KindMessage, DeviceName: "line-3/cell-7", Payload: mustPayload(t, "sample", map[string]any{
			"channels": []any{1.0, 2.5, -3.0},
			"ok":       true,
			"unit":     "mV",
		})}},
		{name: "unicode name", env: Envelope{Kind: KindConnect, DeviceName: "압력계-01"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.env)
			require.NoError(t, err)

			got, err := DecodeSession(frame)
			require.NoError(t, err)
			assert.True(t, tt.env.Equal(got), "round trip mismatch: want %+v got %+v", tt.env, got)
			assert.Equal(t, tt.env.Payload.Value(), got.Payload.Value())
		})
	}
}

func TestEncodeSession_FrameHeader(t *testing.T) {
	frame, err := EncodeSession(KindConnect, "dev", nil)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(frame), HeaderSize)
	n := binary.BigEndian.Uint32(frame[:HeaderSize])
	assert.Equal(t, len(frame)-HeaderSize, int(n))
}

func TestDecodeSession_TruncatedAtEveryLength(t *testing.T) {
	frame, err := EncodeSession(KindMessage, "A", mustPayload(t, "temp", map[string]any{"v": 21.9}))
	require.NoError(t, err)

	for i := 0; i < len(frame); i++ {
		_, err := DecodeSession(frame[:i])
		require.Error(t, err, "length %d", i)
		assert.ErrorIs(t, err, ErrDecode, "length %d", i)
	}
}

func TestDecodeSession_TrailingBytes(t *testing.T) {
	frame, err := EncodeSession(KindConnect, "A", nil)
	require.NoError(t, err)

	_, err = DecodeSession(append(frame, 0x00))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestEncodeSession_PayloadInvariant(t *testing.T) {
	p := mustPayload(t, "temp", 1)

	_, err := EncodeSession(KindMessage, "A", nil)
	assert.ErrorIs(t, err, ErrEncode, "MESSAGE without payload")

	_, err = EncodeSession(KindConnect, "A", p)
	assert.ErrorIs(t, err, ErrEncode, "CONNECT with payload")

	_, err = EncodeSession(KindDisconnect, "A", p)
	assert.ErrorIs(t, err, ErrEncode, "DISCONNECT with payload")
}

func TestEncodeSession_InvalidFields(t *testing.T) {
	_, err := EncodeSession(Kind(9), "A", nil)
	assert.ErrorIs(t, err, ErrEncode)

	_, err = EncodeSession(KindConnect, "", nil)
	assert.ErrorIs(t, err, ErrEncode)

	_, err = EncodeSession(KindConnect, "bad\xff", nil)
	assert.ErrorIs(t, err, ErrEncode)

	_, err = EncodeSession(KindMessage, "A", &Payload{EventName: ""})
	assert.ErrorIs(t, err, ErrEncode)
}

func TestNewPayload_NonTransportable(t *testing.T) {
	_, err := NewPayload("bad", make(chan int))
	assert.ErrorIs(t, err, ErrEncode)

	_, err = NewPayload("bad", struct{ X int }{1})
	assert.ErrorIs(t, err, ErrEncode)
}

// frameOf wraps a hand-built body in a length prefix.
func frameOf(body []byte) []byte {
	frame := make([]byte, HeaderSize, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	return append(frame, body...)
}

func TestDecodeSession_RejectsMisShapedBodies(t *testing.T) {
	wire, err := EncodeWire("temp", structpb.NewNumberValue(1))
	require.NoError(t, err)

	kind := func(b []byte, k uint64) []byte {
		b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
		return protowire.AppendVarint(b, k)
	}
	name := func(b []byte, s string) []byte {
		b = protowire.AppendTag(b, fieldDeviceName, protowire.BytesType)
		return protowire.AppendString(b, s)
	}
	payload := func(b []byte) []byte {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		return protowire.AppendBytes(b, wire)
	}

	tests := []struct {
		name string
		body []byte
	}{
		{name: "empty body", body: nil},
		{name: "missing kind", body: name(nil, "A")},
		{name: "missing name", body: kind(nil, 1)},
		{name: "unknown kind", body: name(kind(nil, 7), "A")},
		{name: "huge kind", body: name(kind(nil, 300), "A")},
		{name: "message without payload", body: name(kind(nil, 3), "A")},
		{name: "connect with payload", body: payload(name(kind(nil, 1), "A"))},
		{name: "duplicate kind", body: name(kind(kind(nil, 1), 1), "A")},
		{name: "duplicate name", body: name(name(kind(nil, 1), "A"), "B")},
		{name: "unknown field", body: protowire.AppendVarint(protowire.AppendTag(name(kind(nil, 1), "A"), 9, protowire.VarintType), 1)},
		{name: "kind as bytes", body: name(protowire.AppendString(protowire.AppendTag(nil, fieldKind, protowire.BytesType), "x"), "A")},
		{name: "garbage", body: []byte{0xff, 0xff, 0xff}},
		{name: "corrupt payload", body: protowire.AppendBytes(protowire.AppendTag(name(kind(nil, 3), "A"), fieldPayload, protowire.BytesType), []byte{0x0a, 0x05, 'a'})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeSession(frameOf(tt.body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecode), "expected ErrDecode, got %v", err)
		})
	}
}

func TestWireRoundTrip(t *testing.T) {
	data, err := structpb.NewValue(map[string]any{"temp": 21.5, "unit": "C"})
	require.NoError(t, err)

	b, err := EncodeWire("reading", data)
	require.NoError(t, err)

	p, err := DecodeWire(b)
	require.NoError(t, err)
	assert.Equal(t, "reading", p.EventName)
	assert.Equal(t, map[string]any{"temp": 21.5, "unit": "C"}, p.Value())
}

func TestWire_NilDataIsNull(t *testing.T) {
	b, err := EncodeWire("ping", nil)
	require.NoError(t, err)

	p, err := DecodeWire(b)
	require.NoError(t, err)
	assert.Nil(t, p.Value())
	assert.NotNil(t, p.Data.GetKind())
}

func TestDecodeWire_Errors(t *testing.T) {
	_, err := EncodeWire("", nil)
	assert.ErrorIs(t, err, ErrEncode)

	_, err = DecodeWire(nil)
	assert.ErrorIs(t, err, ErrDecode, "missing event name")

	b := protowire.AppendTag(nil, fieldEventName, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	_, err = DecodeWire(b)
	assert.ErrorIs(t, err, ErrDecode, "wrong wire type")

	nameOnly := protowire.AppendString(protowire.AppendTag(nil, fieldEventName, protowire.BytesType), "temp")
	_, err = DecodeWire(nameOnly)
	assert.ErrorIs(t, err, ErrDecode, "missing data")

	emptyData := protowire.AppendBytes(protowire.AppendTag(nameOnly, fieldData, protowire.BytesType), nil)
	_, err = DecodeWire(emptyData)
	assert.ErrorIs(t, err, ErrDecode, "data without a value")
}

func TestDecodeSession_MessageWithoutDataRejected(t *testing.T) {
	wire := protowire.AppendString(protowire.AppendTag(nil, fieldEventName, protowire.BytesType), "temp")

	body := protowire.AppendVarint(protowire.AppendTag(nil, fieldKind, protowire.VarintType), uint64(KindMessage))
	body = protowire.AppendString(protowire.AppendTag(body, fieldDeviceName, protowire.BytesType), "A")
	body = protowire.AppendBytes(protowire.AppendTag(body, fieldPayload, protowire.BytesType), wire)

	_, err := DecodeSession(frameOf(body))
	assert.ErrorIs(t, err, ErrDecode)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "CONNECT", KindConnect.String())
	assert.Equal(t, "DISCONNECT", KindDisconnect.String())
	assert.Equal(t, "MESSAGE", KindMessage.String())
	assert.Equal(t, "Kind(0)", Kind(0).String())
}
