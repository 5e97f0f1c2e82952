// ABOUTME: Tests for the frame Reader and Writer stream adapters.
// ABOUTME: Verifies reassembly across arbitrary chunking, EOF handling, and size limits.

package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReassemblesChunkedStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.Connect("A"))
	require.NoError(t, w.Message("A", "temp", 21.5))
	require.NoError(t, w.Message("A", "temp", 21.9))
	require.NoError(t, w.Disconnect("A"))

	// One byte per Read call exercises every possible split point.
	r := NewReader(iotest.OneByteReader(&buf), 0)

	var kinds []Kind
	var temps []any
	for {
		env, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		kinds = append(kinds, env.Kind)
		if env.Payload != nil {
			temps = append(temps, env.Payload.Value())
		}
	}

	assert.Equal(t, []Kind{KindConnect, KindMessage, KindMessage, KindDisconnect}, kinds)
	assert.Equal(t, []any{21.5, 21.9}, temps)
}

func TestReader_UnexpectedEOFMidFrame(t *testing.T) {
	frame, err := EncodeSession(KindConnect, "A", nil)
	require.NoError(t, err)

	r := NewReader(bytes.NewReader(frame[:len(frame)-1]), 0)
	_, err = r.Read()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	r = NewReader(bytes.NewReader(frame[:2]), 0)
	_, err = r.Read()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReader_CleanEOF(t *testing.T) {
	r := NewReader(bytes.NewReader(nil), 0)
	_, err := r.Read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_FrameTooLarge(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 1024)

	r := NewReader(bytes.NewReader(header[:]), 16)
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestReader_CorruptBody(t *testing.T) {
	r := NewReader(bytes.NewReader(frameOf([]byte{0xff, 0xff})), 0)
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrDecode)
}

func TestWriter_RejectsInvalidEnvelope(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	err := w.Write(Envelope{Kind: KindMessage, DeviceName: "A"})
	assert.ErrorIs(t, err, ErrEncode)
	assert.Zero(t, buf.Len(), "nothing should be written for an invalid envelope")

	err = w.Message("A", "bad", func() {})
	assert.ErrorIs(t, err, ErrEncode)
}
