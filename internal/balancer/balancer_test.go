package balancer

import (
	"testing"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
)

func buildTopology(t *testing.T, n int) cluster.Topology {
	t.Helper()
	nodes := make([]cluster.Node, n)
	for i := 0; i < n; i++ {
		id, order := nodeid.New()
		nodes[i] = cluster.Node{ID: id, JoinOrder: order, Status: cluster.StatusUp}
	}
	return cluster.New(1, nodes)
}

func TestRoundRobinCyclesThroughMembers(t *testing.T) {
	topo := buildTopology(t, 3)
	var b RoundRobin
	seen := map[nodeid.ID]int{}
	for i := 0; i < 6; i++ {
		id, ok := b.Route(RoutingContext{Topology: topo})
		if !ok {
			t.Fatal("expected a routed node")
		}
		seen[id]++
	}
	for _, n := range topo.Nodes() {
		if seen[n.ID] != 2 {
			t.Fatalf("expected each node picked twice over 6 rounds, got %d for %v", seen[n.ID], n.ID)
		}
	}
}

func TestRoundRobinEmptyTopologyFails(t *testing.T) {
	var b RoundRobin
	if _, ok := b.Route(RoutingContext{Topology: cluster.New(1, nil)}); ok {
		t.Fatal("expected routing to fail for an empty topology")
	}
}

func TestAffinityHashIsDeterministic(t *testing.T) {
	topo := buildTopology(t, 5)
	b := &AffinityHash{}
	ctx := RoutingContext{Topology: topo, HasAffinity: true, AffinityKey: "order-42", AffinityHash: 12345}
	first, ok := b.Route(ctx)
	if !ok {
		t.Fatal("expected a routed node")
	}
	for i := 0; i < 10; i++ {
		got, ok := b.Route(ctx)
		if !ok || got != first {
			t.Fatalf("expected deterministic routing for identical context, got %v want %v", got, first)
		}
	}
}

func TestAffinityHashFallsBackToRoundRobinWithoutAffinity(t *testing.T) {
	topo := buildTopology(t, 3)
	b := &AffinityHash{}
	seen := map[nodeid.ID]bool{}
	for i := 0; i < 3; i++ {
		id, ok := b.Route(RoutingContext{Topology: topo})
		if !ok {
			t.Fatal("expected a routed node")
		}
		seen[id] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected round-robin fallback to visit all 3 members, saw %d", len(seen))
	}
}

func TestConditionalShortCircuitsToFail(t *testing.T) {
	c := Conditional{
		Condition: func(FailureInfo) bool { return false },
		Policy:    FailoverPolicyFunc(func(FailureInfo) Decision { return DecisionRetrySameNode }),
	}
	if got := c.Decide(FailureInfo{}); got != DecisionFail {
		t.Fatalf("expected DecisionFail when condition is false, got %v", got)
	}
}

func TestRetryOtherNodeUpToRespectsLimit(t *testing.T) {
	p := RetryOtherNodeUpTo{MaxAttempts: 2}
	if got := p.Decide(FailureInfo{Attempt: 1}); got != DecisionRetryOtherNode {
		t.Fatalf("expected retry on attempt 1, got %v", got)
	}
	if got := p.Decide(FailureInfo{Attempt: 2}); got != DecisionFail {
		t.Fatalf("expected fail once attempts are exhausted, got %v", got)
	}
}
