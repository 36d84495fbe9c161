package balancer

import (
	"sync/atomic"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
)

// RoutingContext is what a LoadBalancer sees per physical send (spec
// §4.J: "a context exposing the current topology, affinity hash,
// optional affinity key, and optional failover info").
type RoutingContext struct {
	Topology     cluster.Topology
	AffinityKey  string
	HasAffinity  bool
	AffinityHash uint32
	Failure      *FailureInfo
}

// LoadBalancer picks a target node for a routing context. It must be
// deterministic given identical context for affinity-bearing requests
// (spec §4.J) so retries of the same affinity key keep landing on the
// same peer unless failover explicitly steers elsewhere.
type LoadBalancer interface {
	Route(ctx RoutingContext) (nodeid.ID, bool)
}

// RoundRobin cycles through the topology's members in join order,
// ignoring affinity. Grounded on the teacher's simplest dispatch
// shape: no stickiness, just "next node".
type RoundRobin struct {
	counter atomic.Uint64
}

func (b *RoundRobin) Route(ctx RoutingContext) (nodeid.ID, bool) {
	nodes := ctx.Topology.Nodes()
	if len(nodes) == 0 {
		return nodeid.ID{}, false
	}
	i := b.counter.Add(1) - 1
	return nodes[i%uint64(len(nodes))].ID, true
}

// AffinityHash routes affinity-bearing requests to
// sortedByID[hash mod size], generalizing the teacher's
// ShardRegistry.ShardForKey consistent-hash pattern (also used by
// internal/cluster.Topology.Manager for lock ownership) from shard
// keys to arbitrary affinity keys. Requests without an affinity key
// fall back to round-robin.
type AffinityHash struct {
	fallback RoundRobin
}

func (b *AffinityHash) Route(ctx RoutingContext) (nodeid.ID, bool) {
	if !ctx.HasAffinity {
		return b.fallback.Route(ctx)
	}
	sorted := ctx.Topology.SortedByID()
	if len(sorted) == 0 {
		return nodeid.ID{}, false
	}
	idx := int(ctx.AffinityHash % uint32(len(sorted)))
	return sorted[idx].ID, true
}
