package transport

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hekate-io/hekate/internal/codec"
)

// Frame type tags for the control protocol every connector speaks
// underneath its application protocol (spec §6's "typical set").
const (
	frameHandshakeRequest byte = iota
	frameHandshakeAccept
	frameHandshakeReject
	frameHeartbeat
	frameApplication // application payload, opaque to this package
)

// handshakeRequest is sent by the dialing side immediately after
// connect (spec §4.A).
type handshakeRequest struct {
	Protocol string
	Login    []byte
}

func (h handshakeRequest) encode() []byte {
	var buf bytes.Buffer
	w := codec.NewWriter(&buf)
	w.WriteString(h.Protocol)
	w.WriteBytes(h.Login)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeHandshakeRequest(body []byte) (handshakeRequest, error) {
	r := codec.NewReader(bytes.NewReader(body))
	protocol := r.ReadString()
	login := r.ReadBytes()
	if err := r.Err(); err != nil {
		return handshakeRequest{}, err
	}
	return handshakeRequest{Protocol: protocol, Login: login}, nil
}

// handshakeAccept is the server's positive reply (spec §4.A, §6).
type handshakeAccept struct {
	HeartbeatInterval      time.Duration
	HeartbeatLossThreshold int
	HeartbeatDisabled      bool
}

func (h handshakeAccept) encode() []byte {
	var buf bytes.Buffer
	w := codec.NewWriter(&buf)
	w.WriteInt32(int32(h.HeartbeatInterval / time.Millisecond))
	w.WriteInt32(int32(h.HeartbeatLossThreshold))
	w.WriteBool(h.HeartbeatDisabled)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeHandshakeAccept(body []byte) (handshakeAccept, error) {
	r := codec.NewReader(bytes.NewReader(body))
	interval := r.ReadInt32()
	loss := r.ReadInt32()
	disabled := r.ReadBool()
	if err := r.Err(); err != nil {
		return handshakeAccept{}, err
	}
	return handshakeAccept{
		HeartbeatInterval:      time.Duration(interval) * time.Millisecond,
		HeartbeatLossThreshold: int(loss),
		HeartbeatDisabled:      disabled,
	}, nil
}

// handshakeReject carries the reason a connector or its handler
// refused the connection (spec §4.A).
type handshakeReject struct {
	Reason string
}

func (h handshakeReject) encode() []byte {
	var buf bytes.Buffer
	w := codec.NewWriter(&buf)
	w.WriteString(h.Reason)
	_ = w.Flush()
	return buf.Bytes()
}

func decodeHandshakeReject(body []byte) (handshakeReject, error) {
	r := codec.NewReader(bytes.NewReader(body))
	reason := r.ReadString()
	if err := r.Err(); err != nil {
		return handshakeReject{}, err
	}
	return handshakeReject{Reason: reason}, nil
}

// RejectedError surfaces a HANDSHAKE_REJECT to the connecting caller.
type RejectedError struct{ Reason string }

func (e *RejectedError) Error() string { return fmt.Sprintf("transport: handshake rejected: %s", e.Reason) }

// ConnectTimeoutError is returned when Connect cannot dial addr, or
// when its deadline elapses before a handshake completes (spec §4.A,
// "bound by connectTimeout").
type ConnectTimeoutError struct{ Addr string }

func (e *ConnectTimeoutError) Error() string {
	return fmt.Sprintf("transport: connect to %s timed out", e.Addr)
}

// ReadTimeoutError is returned to a Receiver/watcher when the
// read-idle watchdog fires (spec §4.A's "read-idle timeout").
type ReadTimeoutError struct{ Addr string }

func (e *ReadTimeoutError) Error() string {
	return fmt.Sprintf("transport: read timeout from %s", e.Addr)
}

// ClosedError is returned for operations attempted after Disconnect,
// and to buffered pre-handshake sends when the connection never
// reaches HandshakeDone (spec §4.A: "on disconnect they fail with a
// closed-channel error").
type ClosedError struct{ Addr string }

func (e *ClosedError) Error() string { return fmt.Sprintf("transport: connection to %s is closed", e.Addr) }
