package transport

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func waitUntil(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func newTestPair(t *testing.T, serverConnector, clientConnector *Connector) (*Transport, *Transport, string) {
	t.Helper()
	server := New(nil, nil)
	if err := server.Register(serverConnector); err != nil {
		t.Fatalf("register server connector: %v", err)
	}
	ln, err := server.Listen("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	client := New(nil, nil)
	if err := client.Register(clientConnector); err != nil {
		t.Fatalf("register client connector: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return server, client, ln.Addr().String()
}

func TestHandshakeAcceptAndApplicationFrame(t *testing.T) {
	var mu sync.Mutex
	var received []byte
	got := make(chan struct{}, 1)

	serverConnector := &Connector{
		Protocol: "echo",
		Receiver: func(c *Client, body []byte) {
			mu.Lock()
			received = append([]byte{}, body...)
			mu.Unlock()
			select {
			case got <- struct{}{}:
			default:
			}
		},
	}
	clientConnector := &Connector{Protocol: "echo"}

	_, client, addr := newTestPair(t, serverConnector, clientConnector)

	c, err := client.Connect(addr, "echo", nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected state, got %v", c.State())
	}

	c.Send([]byte("hello"), nil)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("server never received application frame")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(received) != "hello" {
		t.Fatalf("expected 'hello', got %q", received)
	}
}

func TestHandshakeRejectedByAuthenticator(t *testing.T) {
	serverConnector := &Connector{
		Protocol: "secure",
		Authenticate: func(login []byte) error {
			return errors.New("bad credentials")
		},
	}
	clientConnector := &Connector{Protocol: "secure"}

	_, client, addr := newTestPair(t, serverConnector, clientConnector)

	_, err := client.Connect(addr, "secure", []byte("wrong"))
	if err == nil {
		t.Fatal("expected rejection")
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected *RejectedError, got %T: %v", err, err)
	}
}

func TestConnectUnknownProtocolOnServerRejects(t *testing.T) {
	serverConnector := &Connector{Protocol: "known"}
	clientConnector := &Connector{Protocol: "known"}

	_, client, addr := newTestPair(t, serverConnector, clientConnector)
	if err := client.Register(&Connector{Protocol: "other"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := client.Connect(addr, "other", nil)
	if err == nil {
		t.Fatal("expected rejection for unregistered server-side protocol")
	}
}

func TestConnectTimeoutWhenNoResponder(t *testing.T) {
	client := New(nil, nil)
	client.ConnectTimeout = 200 * time.Millisecond
	if err := client.Register(&Connector{Protocol: "p"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	// Dial an address nothing listens on but that is routable
	// (loopback, unused high port) so the OS refuses quickly; exercise
	// ConnectTimeoutError's type directly instead of relying on actual
	// elapsed wall time against an unroutable address.
	_, err := client.Connect("127.0.0.1:1", "p", nil)
	if err == nil {
		t.Fatal("expected an error connecting to a closed port")
	}
	var timeout *ConnectTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected *ConnectTimeoutError, got %T: %v", err, err)
	}
}

func TestPauseResumeToleratesOneReadTimeout(t *testing.T) {
	serverConnector := &Connector{
		Protocol:          "hb",
		HeartbeatInterval: 30 * time.Millisecond,
	}
	clientConnector := &Connector{Protocol: "hb"}

	_, client, addr := newTestPair(t, serverConnector, clientConnector)

	c, err := client.Connect(addr, "hb", nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.PauseReceiving()
	time.Sleep(200 * time.Millisecond) // longer than read-idle while paused
	c.ResumeReceiving()

	// Give the resumed read loop a chance to process at least one more
	// heartbeat without the connection being torn down.
	time.Sleep(150 * time.Millisecond)
	if c.State() != StateConnected {
		t.Fatalf("expected connection to survive pause/resume, state=%v", c.State())
	}
}

func TestListenPortZeroUsesOSAssignedPort(t *testing.T) {
	tr := New(nil, nil)
	t.Cleanup(func() { tr.Close() })
	if err := tr.Register(&Connector{Protocol: "p"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ln, err := tr.Listen("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if ln.Addr() == nil {
		t.Fatal("expected a bound address")
	}
}

func TestListenPortRangeRetriesOnConflict(t *testing.T) {
	first := New(nil, nil)
	t.Cleanup(func() { first.Close() })
	if err := first.Register(&Connector{Protocol: "p"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ln1, err := first.Listen("127.0.0.1:0", 0)
	if err != nil {
		t.Fatalf("listen first: %v", err)
	}
	_, portStr, _ := splitPort(t, ln1.Addr().String())

	second := New(nil, nil)
	t.Cleanup(func() { second.Close() })
	if err := second.Register(&Connector{Protocol: "p"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ln2, err := second.Listen("127.0.0.1:"+portStr, 3)
	if err != nil {
		t.Fatalf("expected range retry to succeed, got: %v", err)
	}
	if ln2.Addr().String() == ln1.Addr().String() {
		t.Fatal("expected a different port to be bound")
	}
}

func splitPort(t *testing.T, addr string) (string, string, error) {
	t.Helper()
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	t.Fatalf("no port in addr %q", addr)
	return "", "", nil
}
