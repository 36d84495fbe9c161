package gossip

import (
	"bytes"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/codec"
	"github.com/hekate-io/hekate/internal/nodeid"
)

// Message type tags, the first byte of every gossip application-frame
// body (spec §6: "a single type byte identifying the message").
const (
	msgJoinRequest byte = iota + 1
	msgJoinAccept
	msgJoinReject
	msgGossipPush
	msgGossipReply
	msgLeave
	msgLeaveAck
)

func writeEntry(w *codec.Writer, e Entry) {
	idb := e.ID.Bytes()
	w.WriteBytes(idb[:])
	w.WriteString(e.Address)
	w.WriteInt64(int64(e.JoinOrder))
	w.WriteByte(byte(e.Status))
	w.WriteInt64(int64(e.Version))
	w.WriteInt32(int32(len(e.Roles)))
	for _, role := range e.Roles {
		w.WriteString(role)
	}
	w.WriteInt32(int32(len(e.Properties)))
	for k, v := range e.Properties {
		w.WriteString(k)
		w.WriteString(v)
	}
}

func readEntry(r *codec.Reader) Entry {
	var e Entry
	idb := r.ReadBytes()
	var arr [16]byte
	copy(arr[:], idb)
	e.ID = nodeid.FromBytes(arr)
	e.Address = r.ReadString()
	e.JoinOrder = uint64(r.ReadInt64())
	e.Status = cluster.Status(r.ReadByte())
	e.Version = uint64(r.ReadInt64())
	roleCount := r.ReadInt32()
	if roleCount > 0 {
		e.Roles = make([]string, roleCount)
		for i := range e.Roles {
			e.Roles[i] = r.ReadString()
		}
	}
	propCount := r.ReadInt32()
	if propCount > 0 {
		e.Properties = make(map[string]string, propCount)
		for i := int32(0); i < propCount; i++ {
			k := r.ReadString()
			v := r.ReadString()
			e.Properties[k] = v
		}
	}
	return e
}

func writeDigest(w *codec.Writer, d Digest) {
	idb := d.ID.Bytes()
	w.WriteBytes(idb[:])
	w.WriteByte(byte(d.Status))
	w.WriteInt64(int64(d.Version))
}

func readDigest(r *codec.Reader) Digest {
	var d Digest
	idb := r.ReadBytes()
	var arr [16]byte
	copy(arr[:], idb)
	d.ID = nodeid.FromBytes(arr)
	d.Status = cluster.Status(r.ReadByte())
	d.Version = uint64(r.ReadInt64())
	return d
}

// joinRequest is the JOIN_REQUEST body (spec §6): the joiner's
// NodeDescriptor plus the cluster name it wants to join.
type joinRequest struct {
	Node        Entry
	ClusterName string
}

func (m joinRequest) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgJoinRequest)
	w := codec.NewWriter(&buf)
	writeEntry(w, m.Node)
	w.WriteString(m.ClusterName)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeJoinRequest(body []byte) (joinRequest, error) {
	r := codec.NewReader(bytes.NewReader(body))
	var m joinRequest
	m.Node = readEntry(r)
	m.ClusterName = r.ReadString()
	return m, r.Err()
}

// joinAccept carries the full roster as of acceptance, plus the
// joiner's assigned join order (spec §4.D step 4: "receives the full
// roster").
type joinAccept struct {
	JoinOrder uint64
	Roster    []Entry
}

func (m joinAccept) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgJoinAccept)
	w := codec.NewWriter(&buf)
	w.WriteInt64(int64(m.JoinOrder))
	w.WriteInt32(int32(len(m.Roster)))
	for _, e := range m.Roster {
		writeEntry(w, e)
	}
	_ = w.Flush()
	return buf.Bytes()
}

func decodeJoinAccept(body []byte) (joinAccept, error) {
	r := codec.NewReader(bytes.NewReader(body))
	var m joinAccept
	m.JoinOrder = uint64(r.ReadInt64())
	n := r.ReadInt32()
	m.Roster = make([]Entry, 0, n)
	for i := int32(0); i < n; i++ {
		m.Roster = append(m.Roster, readEntry(r))
	}
	return m, r.Err()
}

// joinReject carries the validator chain's rejection reason (spec
// §4.D step 3).
type joinReject struct {
	Reason string
}

func (m joinReject) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgJoinReject)
	w := codec.NewWriter(&buf)
	w.WriteString(m.Reason)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeJoinReject(body []byte) (joinReject, error) {
	r := codec.NewReader(bytes.NewReader(body))
	var m joinReject
	m.Reason = r.ReadString()
	return m, r.Err()
}

// gossipUpdate is GOSSIP_UPDATE (spec §6): a digest of everything the
// sender knows, plus any full entries ("rumors") it believes the
// recipient needs.
type gossipUpdate struct {
	Digest []Digest
	Rumors []Entry
}

func (m gossipUpdate) encodeAs(typ byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(typ)
	w := codec.NewWriter(&buf)
	w.WriteInt32(int32(len(m.Digest)))
	for _, d := range m.Digest {
		writeDigest(w, d)
	}
	w.WriteInt32(int32(len(m.Rumors)))
	for _, e := range m.Rumors {
		writeEntry(w, e)
	}
	_ = w.Flush()
	return buf.Bytes()
}

func decodeGossipUpdate(body []byte) (gossipUpdate, error) {
	r := codec.NewReader(bytes.NewReader(body))
	var m gossipUpdate
	digestCount := r.ReadInt32()
	m.Digest = make([]Digest, 0, digestCount)
	for i := int32(0); i < digestCount; i++ {
		m.Digest = append(m.Digest, readDigest(r))
	}
	rumorCount := r.ReadInt32()
	m.Rumors = make([]Entry, 0, rumorCount)
	for i := int32(0); i < rumorCount; i++ {
		m.Rumors = append(m.Rumors, readEntry(r))
	}
	return m, r.Err()
}

// leaveNotice is LEAVE: the departing node announces its own final
// entry (status already set to LEAVING or DOWN by the caller).
type leaveNotice struct {
	Node Entry
}

func (m leaveNotice) encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(msgLeave)
	w := codec.NewWriter(&buf)
	writeEntry(w, m.Node)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeLeaveNotice(body []byte) (leaveNotice, error) {
	r := codec.NewReader(bytes.NewReader(body))
	var m leaveNotice
	m.Node = readEntry(r)
	return m, r.Err()
}

func encodeLeaveAck() []byte {
	return []byte{msgLeaveAck}
}
