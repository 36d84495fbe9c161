package codec

import (
	"bytes"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.WriteByte(7)
	w.WriteBool(true)
	w.WriteInt32(-42)
	w.WriteInt64(1 << 40)
	w.WriteString("hekate")
	w.WriteBytes([]byte{1, 2, 3})
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	r := NewReader(&buf)
	if got := r.ReadByte(); got != 7 {
		t.Fatalf("byte: got %d", got)
	}
	if got := r.ReadBool(); !got {
		t.Fatal("bool: got false")
	}
	if got := r.ReadInt32(); got != -42 {
		t.Fatalf("int32: got %d", got)
	}
	if got := r.ReadInt64(); got != 1<<40 {
		t.Fatalf("int64: got %d", got)
	}
	if got := r.ReadString(); got != "hekate" {
		t.Fatalf("string: got %q", got)
	}
	if got := r.ReadBytes(); !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("bytes: got %v", got)
	}
	if err := r.Err(); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 3, []byte("payload")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	typ, body, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != 3 {
		t.Fatalf("expected type 3, got %d", typ)
	}
	if string(body) != "payload" {
		t.Fatalf("expected payload body, got %q", body)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	header := make([]byte, 4)
	header[0] = 0xff // huge length
	buf.Write(header)

	if _, _, err := ReadFrame(&buf); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

type echoCodec struct{ stateful bool }

func (c *echoCodec) BaseType() string  { return "string" }
func (c *echoCodec) IsStateful() bool  { return c.stateful }
func (c *echoCodec) Encode(msg Message, w *Writer) error {
	w.WriteString(msg.(string))
	return w.Err()
}
func (c *echoCodec) Decode(r *Reader) (Message, error) {
	s := r.ReadString()
	return s, r.Err()
}

func TestRegistryLookupStatelessShared(t *testing.T) {
	reg := NewRegistry()
	shared := &echoCodec{}
	if err := reg.Register("echo", shared); err != nil {
		t.Fatalf("register: %v", err)
	}

	c1, err := reg.Lookup("echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	c2, _ := reg.Lookup("echo")
	if c1 != c2 {
		t.Fatal("expected stateless codec instance to be shared")
	}
}

func TestRegistryLookupStatefulFresh(t *testing.T) {
	reg := NewRegistry()
	if err := reg.RegisterStateful("echo", func() Codec { return &echoCodec{stateful: true} }); err != nil {
		t.Fatalf("register: %v", err)
	}

	c1, _ := reg.Lookup("echo")
	c2, _ := reg.Lookup("echo")
	if c1 == c2 {
		t.Fatal("expected stateful codec instances to differ per lookup")
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register("echo", &echoCodec{})
	if err := reg.Register("echo", &echoCodec{}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryUnknownProtocol(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Lookup("missing")
	var target *ErrUnknownProtocol
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*ErrUnknownProtocol); !ok {
		t.Fatalf("expected *ErrUnknownProtocol, got %T", err)
	}
	_ = target
}
