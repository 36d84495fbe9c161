package transport

import (
	"time"
)

// Receiver handles application frames delivered on an accepted or
// dialed connection after the handshake completes. Each call runs on
// its own goroutine, never on the connection's own read/write
// goroutines (spec §4.G, §5: "receivers always run on async workers").
// Transport takes no worker pool for receivers.
type Receiver func(client *Client, body []byte)

// Authenticator validates an inbound HandshakeRequest's login payload.
// A non-nil error becomes the HANDSHAKE_REJECT reason (spec §4.A).
type Authenticator func(login []byte) error

// Connector is a named, protocol-tagged endpoint definition: spec §4.A
// "named connectors, each with a protocol identifier, a codec,
// optional server handler, and an optional dedicated worker pool".
//
// Once the Transport listens, inbound handshakes for any registered
// Connector are accepted whether or not its Receiver is set. A
// Connector used only for outbound Connect calls may leave Receiver
// nil; application frames arriving on its connections are then
// dropped. This Connector type has no worker-pool field.
type Connector struct {
	// Name identifies this connector for metrics and logging.
	Name string
	// Protocol is the wire identifier a handshake carries (spec §4.A).
	Protocol string
	// Authenticate validates inbound login payloads. Nil accepts all.
	Authenticate Authenticator
	// Receiver handles application frames once the handshake is done.
	Receiver Receiver
	// HeartbeatInterval is the write-idle timeout this connector's
	// server side offers in HANDSHAKE_ACCEPT (spec §4.A). Zero selects
	// DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// HeartbeatLossThreshold multiplies HeartbeatInterval to derive the
	// read-idle timeout (spec §4.A). Zero selects
	// DefaultHeartbeatLossThreshold.
	HeartbeatLossThreshold int
	// HeartbeatDisabled suppresses heartbeat frames while still
	// enforcing a read-idle timeout on the peer (spec §4.A).
	HeartbeatDisabled bool
}

// Defaults applied when a Connector leaves heartbeat fields zero.
const (
	DefaultHeartbeatInterval      = 10 * time.Second
	DefaultHeartbeatLossThreshold = 3
	DefaultConnectTimeout         = 5 * time.Second
	DefaultAcceptRetryInterval    = 2 * time.Second
)

func (c *Connector) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

func (c *Connector) heartbeatLossThreshold() int {
	if c.HeartbeatLossThreshold > 0 {
		return c.HeartbeatLossThreshold
	}
	return DefaultHeartbeatLossThreshold
}

func (c *Connector) accept() handshakeAccept {
	return handshakeAccept{
		HeartbeatInterval:      c.heartbeatInterval(),
		HeartbeatLossThreshold: c.heartbeatLossThreshold(),
		HeartbeatDisabled:      c.HeartbeatDisabled,
	}
}

// metricsName returns the label used for this connector's Sink calls.
func (c *Connector) metricsName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Protocol
}
