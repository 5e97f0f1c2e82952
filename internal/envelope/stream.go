// ABOUTME: Stream adapters that read and write length-prefixed envelope frames.
// ABOUTME: Reader reassembles whole frames regardless of how the transport chunks bytes.

package envelope

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameSize bounds the body length a Reader accepts unless configured otherwise.
const DefaultMaxFrameSize = 1 << 20

// Reader decodes envelopes from a byte stream.
type Reader struct {
	r       *bufio.Reader
	maxSize uint32
	header  [HeaderSize]byte
	buf     []byte
}

// NewReader returns a Reader over r. A maxSize of zero selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxSize int) *Reader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Reader{
		r:       bufio.NewReader(r),
		maxSize: uint32(maxSize),
	}
}

// ReadFrame returns the next raw frame body. It returns io.EOF only when the
// stream ends cleanly on a frame boundary; a stream that ends mid-frame
// yields io.ErrUnexpectedEOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(r.header[:])
	if n > r.maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, r.maxSize)
	}
	if cap(r.buf) < int(n) {
		r.buf = make([]byte, n)
	}
	body := r.buf[:n]
	if _, err := io.ReadFull(r.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// Read returns the next decoded envelope. Transport errors are returned
// unchanged; malformed frames return an error wrapping ErrDecode.
func (r *Reader) Read() (Envelope, error) {
	body, err := r.ReadFrame()
	if err != nil {
		return Envelope{}, err
	}
	return DecodeBody(body)
}

// Writer encodes envelopes onto a byte stream. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes and writes one envelope as a single frame.
func (w *Writer) Write(e Envelope) error {
	frame, err := Encode(e)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.w.Write(frame)
	return err
}

// Connect writes a CONNECT envelope for deviceName.
func (w *Writer) Connect(deviceName string) error {
	return w.Write(Envelope{Kind: KindConnect, DeviceName: deviceName})
}

// Message writes a MESSAGE envelope carrying (eventName, v).
func (w *Writer) Message(deviceName, eventName string, v any) error {
	p, err := NewPayload(eventName, v)
	if err != nil {
		return err
	}
	return w.Write(Envelope{Kind: KindMessage, DeviceName: deviceName, Payload: p})
}

// Disconnect writes a DISCONNECT envelope for deviceName.
func (w *Writer) Disconnect(deviceName string) error {
	return w.Write(Envelope{Kind: KindDisconnect, DeviceName: deviceName})
}
