package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tramalabs/trama/internal/fragment"
	"github.com/tramalabs/trama/internal/sequence"
)

// ProtocolVersion is the node-to-node protocol version this build speaks.
// It is stamped on every frame and sent in the handshakes; the version a
// peer reports is not compared or negotiated.
const ProtocolVersion uint16 = 0

// HeaderSize is the fixed size of the frame header preceding every
// message payload.
const HeaderSize = 8

var (
	ErrShortFrame     = errors.New("wire: frame shorter than header")
	ErrTruncated      = errors.New("wire: truncated payload")
	ErrUnknownMessage = errors.New("wire: unknown message id")
)

// Header frames one message. Layout, little endian:
//
//	offset 0  uint32  total frame size including the header
//	offset 4  uint16  protocol version the sender encoded with
//	offset 6  uint8   message id
//	offset 7  uint8   reserved, zero
type Header struct {
	Size    uint32
	Version uint16
	ID      MsgID
}

// An Encoder appends fixed-layout fields to a growing frame.
type Encoder struct {
	buf []byte
}

// NewEncoder starts a frame for the given message id, leaving room for the
// header to be patched by Finish.
func NewEncoder(id MsgID) *Encoder {
	e := &Encoder{buf: make([]byte, HeaderSize, 64)}
	e.buf[4] = byte(ProtocolVersion)
	e.buf[5] = byte(ProtocolVersion >> 8)
	e.buf[6] = byte(id)
	return e
}

// Finish patches the frame size into the header and returns the frame.
func (e *Encoder) Finish() []byte {
	binary.LittleEndian.PutUint32(e.buf[0:4], uint32(len(e.buf)))
	return e.buf
}

func (e *Encoder) U8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) U16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *Encoder) U32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) U64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
	} else {
		e.U8(0)
	}
}

func (e *Encoder) Name(n NodeName) { e.buf = append(e.buf, n[:]...) }

func (e *Encoder) Sequence(n sequence.Number) { e.U64(uint64(n)) }

func (e *Encoder) Fragment(d fragment.Descriptor) {
	e.U64(uint64(d.Buffer))
	e.U32(d.Offset)
	e.U32(d.Size)
}

// Bytes writes a length-prefixed byte string.
func (e *Encoder) Bytes(b []byte) {
	e.U32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// A Decoder consumes fixed-layout fields from a payload. After any field
// runs past the end of the payload the decoder is sticky-failed: further
// getters return zero values and Err reports ErrTruncated.
type Decoder struct {
	buf []byte
	pos int
	err error
}

// NewDecoder decodes the payload following a frame header.
func NewDecoder(payload []byte) *Decoder { return &Decoder{buf: payload} }

// Err reports the first decoding failure, if any.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the undecoded tail of the payload. Message decoders do
// not keep it: a message that is sent on is re-encoded, so trailing fields
// added by newer versions are dropped at that hop.
func (d *Decoder) Remaining() []byte { return d.buf[d.pos:] }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.pos+n > len(d.buf) {
		d.err = ErrTruncated
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) U16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *Decoder) Bool() bool { return d.U8() != 0 }

func (d *Decoder) Name() NodeName {
	var n NodeName
	copy(n[:], d.take(16))
	return n
}

func (d *Decoder) Sequence() sequence.Number { return sequence.Number(d.U64()) }

func (d *Decoder) Fragment() fragment.Descriptor {
	return fragment.Descriptor{
		Buffer: fragment.BufferId(d.U64()),
		Offset: d.U32(),
		Size:   d.U32(),
	}
}

func (d *Decoder) Bytes() []byte {
	n := d.U32()
	if d.err != nil || uint64(n) > uint64(len(d.buf)-d.pos) {
		if d.err == nil {
			d.err = ErrTruncated
		}
		return nil
	}
	return d.take(int(n))
}

// ParseHeader splits a raw frame into its header and payload.
func ParseHeader(frame []byte) (Header, []byte, error) {
	if len(frame) < HeaderSize {
		return Header{}, nil, ErrShortFrame
	}
	h := Header{
		Size:    binary.LittleEndian.Uint32(frame[0:4]),
		Version: binary.LittleEndian.Uint16(frame[4:6]),
		ID:      MsgID(frame[6]),
	}
	if int(h.Size) < HeaderSize || int(h.Size) > len(frame) {
		return Header{}, nil, fmt.Errorf("%w: header claims %d of %d bytes", ErrTruncated, h.Size, len(frame))
	}
	return h, frame[HeaderSize:h.Size], nil
}
