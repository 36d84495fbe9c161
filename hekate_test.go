package hekate

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
)

func TestAliveAddrsReflectsCurrentTopology(t *testing.T) {
	view := cluster.NewView()
	c := &Cluster{view: view}

	if got := c.aliveAddrs(); len(got) != 0 {
		t.Fatalf("expected no alive addresses before any topology is published, got %v", got)
	}

	id1, _ := nodeid.New()
	id2, _ := nodeid.New()
	topo := cluster.New(1, []cluster.Node{
		{ID: id1, Address: "10.0.0.1:7000", JoinOrder: 1},
		{ID: id2, Address: "10.0.0.2:7000", JoinOrder: 2},
	})
	view.Publish(cluster.EventJoin, topo)

	alive := c.aliveAddrs()
	if len(alive) != 2 {
		t.Fatalf("expected 2 alive addresses, got %d (%v)", len(alive), alive)
	}
	if !alive["10.0.0.1:7000"] || !alive["10.0.0.2:7000"] {
		t.Fatalf("expected both member addresses marked alive, got %v", alive)
	}
}

func TestTCPPingReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if !tcpPing(ctx, ln.Addr().String()) {
		t.Fatal("expected tcpPing to succeed against a listening address")
	}
}

func TestTCPPingUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if tcpPing(ctx, addr) {
		t.Fatal("expected tcpPing to fail against a closed port")
	}
}

func TestClusterFailureUnwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := networkFailure(cause)
	cf, ok := err.(*ClusterFailure)
	if !ok {
		t.Fatalf("expected *ClusterFailure, got %T", err)
	}
	if cf.Kind != FailureNetwork {
		t.Fatalf("expected kind %q, got %q", FailureNetwork, cf.Kind)
	}
	if cf.Unwrap() != cause {
		t.Fatalf("expected Unwrap to return the original cause")
	}
	if networkFailure(nil) != nil {
		t.Fatal("expected networkFailure(nil) to return nil")
	}
	if configFailure(nil) != nil {
		t.Fatal("expected configFailure(nil) to return nil")
	}
}

func TestFuncServiceDefaults(t *testing.T) {
	s := &funcService{name: "x", deps: []string{"y"}}
	if s.Name() != "x" {
		t.Fatalf("expected name x, got %s", s.Name())
	}
	if len(s.Dependencies()) != 1 || s.Dependencies()[0] != "y" {
		t.Fatalf("expected deps [y], got %v", s.Dependencies())
	}
	if err := s.Configure(context.Background()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := s.PreInitialize(context.Background()); err != nil {
		t.Fatalf("preinitialize: %v", err)
	}
	if err := s.PostInitialize(context.Background()); err != nil {
		t.Fatalf("postinitialize: %v", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize with nil init func: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown with nil shutdown func: %v", err)
	}

	calledInit := false
	calledShutdown := false
	s.init = func(context.Context) error { calledInit = true; return nil }
	s.shutdown = func(context.Context) error { calledShutdown = true; return nil }
	_ = s.Initialize(context.Background())
	_ = s.Shutdown(context.Background())
	if !calledInit || !calledShutdown {
		t.Fatal("expected both init and shutdown hooks to run")
	}
}
