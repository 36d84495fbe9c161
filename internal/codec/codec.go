// Package codec implements Hekate's wire framing and the protocol
// registry component B describes: length-prefixed frames, a type byte,
// and per-protocol encoder/decoder pairs (spec §4.B, §6).
//
// Framing is uniform across every protocol Hekate speaks (gossip,
// messaging, lock, coordination): a 4-byte big-endian length prefix
// covers everything that follows, starting with the one-byte message
// type. Bodies use the compact layout spec §6 specifies: integers
// big-endian, strings as `int32 length + UTF-8 bytes`.
package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge guards against a corrupt or hostile length prefix
// causing an unbounded allocation.
var ErrFrameTooLarge = errors.New("codec: frame exceeds maximum size")

// MaxFrameSize bounds a single frame's body, including the type byte.
// 16 MiB comfortably covers gossip/lock/coordination control traffic
// and reasonably sized messaging payloads; larger payloads should be
// chunked by the application using partial replies (spec §4.G).
const MaxFrameSize = 16 << 20

// Writer provides the typed primitives spec §4.B and §6 require:
// big-endian integers and length-prefixed UTF-8 strings, buffered in a
// default-size bufio.Writer until Flush; a body larger than that
// buffer reaches the underlying writer in more than one Write.
type Writer struct {
	buf *bufio.Writer
	err error
}

// NewWriter wraps w for building one frame's body. Callers write the
// type byte first, then the message's fields in wire order, then call
// Flush.
func NewWriter(w io.Writer) *Writer {
	return &Writer{buf: bufio.NewWriter(w)}
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// WriteByte writes a single byte (the message type tag, or a boolean
// flag per spec §6's `u8` fields).
func (w *Writer) WriteByte(b byte) {
	if w.err != nil {
		return
	}
	if err := w.buf.WriteByte(b); err != nil {
		w.fail(err)
	}
}

// WriteBool writes a u8 boolean (0 or 1).
func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

// WriteInt32 writes a big-endian 4-byte integer.
func (w *Writer) WriteInt32(v int32) {
	if w.err != nil {
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	if _, err := w.buf.Write(b[:]); err != nil {
		w.fail(err)
	}
}

// WriteInt64 writes a big-endian 8-byte integer.
func (w *Writer) WriteInt64(v int64) {
	if w.err != nil {
		return
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	if _, err := w.buf.Write(b[:]); err != nil {
		w.fail(err)
	}
}

// WriteString writes an `int32 length + UTF-8 bytes` string (spec §6).
func (w *Writer) WriteString(s string) {
	w.WriteInt32(int32(len(s)))
	if w.err != nil {
		return
	}
	if _, err := w.buf.WriteString(s); err != nil {
		w.fail(err)
	}
}

// WriteBytes writes a length-prefixed opaque byte payload, used for
// the handshake login payload and serialized messaging request bodies.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteInt32(int32(len(b)))
	if w.err != nil {
		return
	}
	if _, err := w.buf.Write(b); err != nil {
		w.fail(err)
	}
}

// Err returns the first error encountered by any Write call.
func (w *Writer) Err() error { return w.err }

// Flush pushes buffered bytes to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	return w.buf.Flush()
}

// Reader is the decode-side counterpart to Writer.
type Reader struct {
	r   io.Reader
	err error
}

// NewReader wraps r for reading one frame's body.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() byte {
	if r.err != nil {
		return 0
	}
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.fail(err)
		return 0
	}
	return b[0]
}

// ReadBool reads a u8 boolean.
func (r *Reader) ReadBool() bool {
	return r.ReadByte() != 0
}

// ReadInt32 reads a big-endian 4-byte integer.
func (r *Reader) ReadInt32() int32 {
	if r.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.fail(err)
		return 0
	}
	return int32(binary.BigEndian.Uint32(b[:]))
}

// ReadInt64 reads a big-endian 8-byte integer.
func (r *Reader) ReadInt64() int64 {
	if r.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.fail(err)
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:]))
}

// ReadString reads an `int32 length + UTF-8 bytes` string.
func (r *Reader) ReadString() string {
	n := r.ReadInt32()
	if r.err != nil || n < 0 || n > MaxFrameSize {
		if n < 0 || n > MaxFrameSize {
			r.fail(ErrFrameTooLarge)
		}
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.fail(err)
		return ""
	}
	return string(b)
}

// ReadBytes reads a length-prefixed opaque byte payload.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadInt32()
	if r.err != nil {
		return nil
	}
	if n < 0 || n > MaxFrameSize {
		r.fail(ErrFrameTooLarge)
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.fail(err)
		return nil
	}
	return b
}

// Err returns the first error encountered by any Read call.
func (r *Reader) Err() error { return r.err }

// WriteFrame writes a length-prefixed frame: a 4-byte big-endian
// length covering typ plus body, followed by typ, followed by body.
func WriteFrame(w io.Writer, typ byte, body []byte) error {
	if len(body)+1 > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [5]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)+1))
	header[4] = typ
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame and returns its type byte
// and body (sans the type byte).
func ReadFrame(r io.Reader) (typ byte, body []byte, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, fmt.Errorf("codec: zero-length frame")
	}
	if n > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return payload[0], payload[1:], nil
}
