package messaging

import (
	"bytes"
	"fmt"

	"github.com/hekate-io/hekate/internal/codec"
)

// envelopeKind tags what an envelope carries, layered underneath the
// transport's own application frame the same way gossip tags its
// message type as the first body byte (spec §4.G, §6).
type envelopeKind byte

const (
	kindRequest envelopeKind = iota
	kindPartialReply
	kindFinalReply
	kindErrorReply
	kindNotification
)

// maxCorrelationID bounds correlation ids to 31 bits (spec §3
// invariant: "correlation ids are 31-bit"), leaving the sign bit
// unused so they round-trip through signed-integer codecs unchanged.
const maxCorrelationID = 1<<31 - 1

// envelope is the wire unit a channel exchanges: one correlation id,
// a kind tag, the channel it belongs to, and an opaque payload already
// encoded by the channel's codec.
type envelope struct {
	Channel       string
	CorrelationID int32
	Kind          envelopeKind
	Payload       []byte
	StackTrace    string // set only for kindErrorReply (spec §4.G)
}

func (e envelope) encode() []byte {
	var buf bytes.Buffer
	w := codec.NewWriter(&buf)
	w.WriteString(e.Channel)
	w.WriteInt32(e.CorrelationID)
	w.WriteByte(byte(e.Kind))
	w.WriteBytes(e.Payload)
	w.WriteString(e.StackTrace)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeEnvelope(body []byte) (envelope, error) {
	r := codec.NewReader(bytes.NewReader(body))
	e := envelope{
		Channel:       r.ReadString(),
		CorrelationID: r.ReadInt32(),
		Kind:          envelopeKind(r.ReadByte()),
		Payload:       r.ReadBytes(),
		StackTrace:    r.ReadString(),
	}
	if err := r.Err(); err != nil {
		return envelope{}, fmt.Errorf("messaging: decode envelope: %w", err)
	}
	return e, nil
}
