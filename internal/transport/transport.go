package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hekate-io/hekate/internal/codec"
	"github.com/hekate-io/hekate/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Transport owns the connectors registered with it and any listening
// sockets they require. One Transport typically backs one Hekate node
// (spec §4.A, §4.F: "F boots A").
type Transport struct {
	log    *logrus.Entry
	sink   metrics.Sink
	Dialer Dialer

	ConnectTimeout      time.Duration
	AcceptRetryInterval time.Duration

	mu         sync.RWMutex
	connectors map[string]*Connector
	listeners  []net.Listener
	clients    map[*Client]struct{}

	wg     sync.WaitGroup
	closed chan struct{}
}

// Dialer abstracts net.Dial for testability (e.g. injecting latency or
// failures in unit tests without real sockets).
type Dialer interface {
	DialTimeout(network, addr string, timeout time.Duration) (net.Conn, error)
}

type netDialer struct{}

func (netDialer) DialTimeout(network, addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, addr, timeout)
}

// New creates a Transport. sink may be nil (metrics.NoopSink is used).
func New(log *logrus.Entry, sink metrics.Sink) *Transport {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Transport{
		log:                 log,
		sink:                sink,
		Dialer:              netDialer{},
		ConnectTimeout:      DefaultConnectTimeout,
		AcceptRetryInterval: DefaultAcceptRetryInterval,
		connectors:          make(map[string]*Connector),
		clients:             make(map[*Client]struct{}),
		closed:              make(chan struct{}),
	}
}

// Register installs a connector. Registering two connectors under the
// same protocol is a configuration error (spec §7).
func (t *Transport) Register(c *Connector) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.connectors[c.Protocol]; exists {
		return fmt.Errorf("transport: protocol %q already registered", c.Protocol)
	}
	t.connectors[c.Protocol] = c
	return nil
}

// Listen binds addr and serves inbound connections for every
// registered connector that accepts them. If the requested port is in
// use, it retries sequentially up to portRange-1 higher ports (spec
// §4.A, "Binding supports a port range"); portRange of 0 or 1 disables
// retry. A requested port of 0 asks the OS to pick a free port and is
// exempt from range retry.
func (t *Transport) Listen(addr string, portRange int) (net.Listener, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid listen address %q: %w", addr, err)
	}

	if portStr == "0" || portRange <= 1 {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		t.trackListener(ln)
		return ln, nil
	}

	basePort, err := parsePort(portStr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for p := basePort; p < basePort+portRange; p++ {
		candidate := net.JoinHostPort(host, fmt.Sprintf("%d", p))
		ln, err := net.Listen("tcp", candidate)
		if err == nil {
			t.trackListener(ln)
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transport: failed to bind any port in [%d,%d): %w", basePort, basePort+portRange, lastErr)
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

func (t *Transport) trackListener(ln net.Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, ln)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptLoop(ln)
}

// acceptLoop runs the dedicated acceptor goroutine for one listener
// (spec §5's "Acceptor thread"). If Accept fails while the listener is
// still meant to be running, it retries after AcceptRetryInterval
// (spec §4.A, "bind-failover").
func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			t.log.WithError(err).Warn("accept failed, retrying")
			select {
			case <-time.After(t.AcceptRetryInterval):
				continue
			case <-t.closed:
				return
			}
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveInbound(conn)
		}()
	}
}

func (t *Transport) serveInbound(conn net.Conn) {
	typ, body, err := codec.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	if typ != frameHandshakeRequest {
		conn.Close()
		return
	}
	req, err := decodeHandshakeRequest(body)
	if err != nil {
		conn.Close()
		return
	}

	t.mu.RLock()
	connector, ok := t.connectors[req.Protocol]
	t.mu.RUnlock()

	if !ok {
		_ = codec.WriteFrame(conn, frameHandshakeReject, handshakeReject{Reason: "unknown protocol: " + req.Protocol}.encode())
		conn.Close()
		return
	}
	if connector.Authenticate != nil {
		if err := connector.Authenticate(req.Login); err != nil {
			_ = codec.WriteFrame(conn, frameHandshakeReject, handshakeReject{Reason: err.Error()}.encode())
			conn.Close()
			return
		}
	}

	accept := connector.accept()
	if err := codec.WriteFrame(conn, frameHandshakeAccept, accept.encode()); err != nil {
		conn.Close()
		return
	}

	client := newClient(conn, connector, t.sink, nil)
	client.heartbeatInterval = accept.HeartbeatInterval
	client.heartbeatLossThreshold = accept.HeartbeatLossThreshold
	client.heartbeatDisabled = accept.HeartbeatDisabled
	client.completeHandshake(nil)
	client.onClose = func(error) { t.untrackClient(client) }

	t.trackClient(client)
	if t.sink != nil {
		t.sink.ConnectionOpened(connector.metricsName())
	}

	go client.readLoop()
	go client.writeLoop()
}

func (t *Transport) trackClient(c *Client) {
	t.mu.Lock()
	t.clients[c] = struct{}{}
	t.mu.Unlock()
}

func (t *Transport) untrackClient(c *Client) {
	t.mu.Lock()
	delete(t.clients, c)
	t.mu.Unlock()
}

// Connect dials addr and performs the client-side handshake for
// protocol, using login as the handshake payload. It blocks until the
// handshake completes or ConnectTimeout elapses (spec §4.A).
func (t *Transport) Connect(addr, protocol string, login []byte) (*Client, error) {
	t.mu.RLock()
	connector, ok := t.connectors[protocol]
	t.mu.RUnlock()
	if !ok {
		return nil, &ErrUnregisteredProtocol{Protocol: protocol}
	}

	conn, err := t.Dialer.DialTimeout("tcp", addr, t.ConnectTimeout)
	if err != nil {
		return nil, &ConnectTimeoutError{Addr: addr}
	}

	client := newClient(conn, connector, t.sink, nil)
	client.onClose = func(error) { t.untrackClient(client) }
	t.trackClient(client)

	go client.readLoop()
	go client.writeLoop()

	if err := codec.WriteFrame(conn, frameHandshakeRequest, handshakeRequest{Protocol: protocol, Login: login}.encode()); err != nil {
		client.fail(err)
		return nil, err
	}

	select {
	case <-client.handshakeDone:
		if client.handshakeErr != nil {
			client.fail(client.handshakeErr)
			return nil, client.handshakeErr
		}
		if t.sink != nil {
			t.sink.ConnectionOpened(connector.metricsName())
		}
		return client, nil
	case <-time.After(t.ConnectTimeout):
		client.fail(&ConnectTimeoutError{Addr: addr})
		return nil, &ConnectTimeoutError{Addr: addr}
	}
}

// ErrUnregisteredProtocol is returned by Connect for a protocol this
// Transport has no local Connector for (it would have nothing to hand
// inbound/received frames to).
type ErrUnregisteredProtocol struct{ Protocol string }

func (e *ErrUnregisteredProtocol) Error() string {
	return fmt.Sprintf("transport: protocol %q not registered locally", e.Protocol)
}

// Close shuts down every listener and connection this Transport owns.
func (t *Transport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)

	t.mu.Lock()
	listeners := t.listeners
	clients := make([]*Client, 0, len(t.clients))
	for c := range t.clients {
		clients = append(clients, c)
	}
	t.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Disconnect()
	}
	t.wg.Wait()
	return nil
}
