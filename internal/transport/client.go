package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hekate-io/hekate/internal/codec"
	"github.com/hekate-io/hekate/internal/metrics"
)

// State is a Client's connection lifecycle state (spec §4.A).
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

type outbound struct {
	body []byte
	cb   func(error)
}

// Client represents one connection, either dialed by this process
// (Connect) or accepted from a peer (the Transport's accept loop).
// All exported methods are safe for concurrent use.
type Client struct {
	conn      net.Conn
	addr      string
	connector *Connector
	sink      metrics.Sink
	dispatch  Dispatcher

	state atomic.Int32

	sendQueue chan outbound

	handshakeMu   sync.Mutex
	handshakeDone chan struct{}
	handshakeErr  error

	closeOnce sync.Once
	closed    chan struct{}

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	ignoreNextReadTimeout atomic.Bool

	heartbeatInterval      time.Duration
	heartbeatLossThreshold int
	heartbeatDisabled      bool

	onClose func(error)
}

// Dispatcher runs a Receiver callback off the connection's own
// goroutines — "receivers always run on async workers" (spec §5). The
// zero value (nil) spawns one goroutine per call. Transport always
// passes nil, so every Receiver call gets its own goroutine.
type Dispatcher func(fn func())

func newClient(conn net.Conn, connector *Connector, sink metrics.Sink, dispatch Dispatcher) *Client {
	if dispatch == nil {
		dispatch = func(fn func()) { go fn() }
	}
	c := &Client{
		conn:          conn,
		addr:          conn.RemoteAddr().String(),
		connector:     connector,
		sink:          sink,
		dispatch:      dispatch,
		sendQueue:     make(chan outbound, 256),
		handshakeDone: make(chan struct{}),
		closed:        make(chan struct{}),
		resumeCh:      make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the client's current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Addr returns the remote peer's address.
func (c *Client) Addr() string { return c.addr }

// Send queues body for transmission, invoking cb (if non-nil) once the
// write completes or fails. Sends issued before the handshake
// completes are buffered and flushed in order on success (spec §4.A);
// on Disconnect they fail with ClosedError.
func (c *Client) Send(body []byte, cb func(error)) {
	select {
	case c.sendQueue <- outbound{body: body, cb: cb}:
		if c.sink != nil {
			c.sink.Enqueued(c.connector.metricsName())
		}
	case <-c.closed:
		if cb != nil {
			cb(&ClosedError{Addr: c.addr})
		}
	}
}

// PauseReceiving disables auto-reads and suspends the read-idle
// watchdog (spec §4.A). Safe to call repeatedly.
func (c *Client) PauseReceiving() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	c.paused = true
}

// ResumeReceiving restores reads and the read-idle watchdog. Exactly
// one read-timeout immediately following resume is tolerated (spec
// §4.A), so an in-flight heartbeat sent by the peer while paused is
// not misclassified as a failure.
func (c *Client) ResumeReceiving() {
	c.pauseMu.Lock()
	wasPaused := c.paused
	c.paused = false
	c.pauseMu.Unlock()

	if wasPaused {
		c.ignoreNextReadTimeout.Store(true)
		select {
		case c.resumeCh <- struct{}{}:
		default:
		}
	}
}

func (c *Client) waitWhilePaused() bool {
	c.pauseMu.Lock()
	paused := c.paused
	c.pauseMu.Unlock()
	if !paused {
		return true
	}
	select {
	case <-c.resumeCh:
		return true
	case <-c.closed:
		return false
	}
}

// Disconnect closes the connection. Buffered sends fail with
// ClosedError; in-flight application data already written is not
// recalled.
func (c *Client) Disconnect() error {
	return c.fail(nil)
}

func (c *Client) fail(err error) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateDisconnected))
		close(c.closed)
		closeErr = c.conn.Close()
		if c.sink != nil {
			c.sink.ConnectionClosed(c.connector.metricsName())
		}
		c.drainQueue(err)
		if c.onClose != nil {
			c.onClose(err)
		}
	})
	if err != nil {
		return err
	}
	return closeErr
}

func (c *Client) drainQueue(cause error) {
	if cause == nil {
		cause = &ClosedError{Addr: c.addr}
	}
	for {
		select {
		case msg := <-c.sendQueue:
			if msg.cb != nil {
				msg.cb(cause)
			}
		default:
			return
		}
	}
}

func (c *Client) completeHandshake(err error) {
	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()
	select {
	case <-c.handshakeDone:
		return
	default:
	}
	c.handshakeErr = err
	if err == nil {
		c.state.Store(int32(StateConnected))
	}
	close(c.handshakeDone)
}

// readLoop owns all reads. It enforces the read-idle timeout, honors
// pause/resume, and routes frames to either the handshake waiter or
// the connector's Receiver.
func (c *Client) readLoop() {
	readTimeout := func() time.Duration {
		return c.heartbeatInterval * time.Duration(c.heartbeatLossThreshold)
	}

	for {
		if !c.waitWhilePaused() {
			return
		}

		if readTimeout() > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout()))
		}

		typ, body, err := codec.ReadFrame(c.conn)
		if err != nil {
			if isTimeout(err) {
				if c.ignoreNextReadTimeout.CompareAndSwap(true, false) {
					continue
				}
				c.fail(&ReadTimeoutError{Addr: c.addr})
				return
			}
			c.fail(err)
			return
		}

		if c.sink != nil {
			c.sink.BytesIn(c.connector.metricsName(), len(body)+1)
		}

		switch typ {
		case frameHandshakeAccept, frameHandshakeReject:
			c.handleHandshakeFrame(typ, body)
		case frameHeartbeat:
			// read-idle deadline already reset by virtue of the read
			// succeeding; nothing else to do.
		case frameApplication:
			if c.sink != nil {
				c.sink.MessageIn(c.connector.metricsName())
			}
			if c.connector.Receiver != nil {
				payload := body
				c.dispatch(func() { c.connector.Receiver(c, payload) })
			}
		default:
			c.fail(fmt.Errorf("transport: unknown frame type %d from %s", typ, c.addr))
			return
		}
	}
}

func (c *Client) handleHandshakeFrame(typ byte, body []byte) {
	switch typ {
	case frameHandshakeAccept:
		accept, err := decodeHandshakeAccept(body)
		if err != nil {
			c.completeHandshake(err)
			return
		}
		c.heartbeatInterval = accept.HeartbeatInterval
		c.heartbeatLossThreshold = accept.HeartbeatLossThreshold
		c.heartbeatDisabled = accept.HeartbeatDisabled
		c.completeHandshake(nil)
	case frameHandshakeReject:
		reject, err := decodeHandshakeReject(body)
		if err != nil {
			c.completeHandshake(err)
			return
		}
		c.completeHandshake(&RejectedError{Reason: reject.Reason})
	}
}

// writeLoop owns all writes, including the write-idle heartbeat. It
// never pipelines: because a single goroutine performs every write,
// the next heartbeat is never considered until the previous write
// (heartbeat or application frame) has returned.
func (c *Client) writeLoop() {
	select {
	case <-c.handshakeDone:
	case <-c.closed:
		return
	}
	if c.handshakeErr != nil {
		return
	}

	for {
		var timer *time.Timer
		var timerC <-chan time.Time
		if !c.heartbeatDisabled && c.heartbeatInterval > 0 {
			timer = time.NewTimer(c.heartbeatInterval)
			timerC = timer.C
		}

		select {
		case msg := <-c.sendQueue:
			if timer != nil {
				timer.Stop()
			}
			if c.sink != nil {
				c.sink.Dequeued(c.connector.metricsName())
			}
			err := codec.WriteFrame(c.conn, frameApplication, msg.body)
			if err != nil && c.sink != nil {
				c.sink.SendError(c.connector.metricsName())
			}
			if err == nil && c.sink != nil {
				c.sink.MessageOut(c.connector.metricsName())
				c.sink.BytesOut(c.connector.metricsName(), len(msg.body)+1)
			}
			if msg.cb != nil {
				msg.cb(err)
			}
			if err != nil {
				c.fail(err)
				return
			}
		case <-timerC:
			if err := codec.WriteFrame(c.conn, frameHeartbeat, nil); err != nil {
				c.fail(err)
				return
			}
		case <-c.closed:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
