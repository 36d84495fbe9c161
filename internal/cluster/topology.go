package cluster

import (
	"crypto/md5" //nolint:gosec // content digest for staleness detection, not a security boundary
	"sort"

	"github.com/hekate-io/hekate/internal/nodeid"
	"golang.org/x/exp/slices"
)

// Hash is the 128-bit content digest of a topology's sorted node-id
// set (spec §6, "Topology hash"). It lets a lock manager or messaging
// peer detect a stale view without comparing full node lists.
type Hash [16]byte

// Topology is an immutable snapshot `{version, nodes}` (spec §3).
// Version is strictly increasing for the lifetime of the local
// instance that published it; it resets across restarts. Once
// constructed a Topology is never mutated — every change produces a
// new value, which is how internal/cluster.View enforces version
// ordering for listeners.
type Topology struct {
	version uint64
	nodes   []Node
}

// New builds a Topology snapshot. The input slice is copied and sorted
// by join order so Oldest/Youngest are O(1); callers may discard the
// slice passed in afterward.
func New(version uint64, nodes []Node) Topology {
	cp := make([]Node, len(nodes))
	copy(cp, nodes)
	sort.Slice(cp, func(i, j int) bool { return cp[i].JoinOrder < cp[j].JoinOrder })
	return Topology{version: version, nodes: cp}
}

// Version returns the topology version.
func (t Topology) Version() uint64 { return t.version }

// Size returns the number of member nodes.
func (t Topology) Size() int { return len(t.nodes) }

// Nodes returns a copy of the member slice, ordered by ascending join
// order. Callers must not rely on ID order.
func (t Topology) Nodes() []Node {
	cp := make([]Node, len(t.nodes))
	copy(cp, t.nodes)
	return cp
}

// Oldest returns the member with the lowest join order — the
// coordinator candidate for any decision scoped to this topology (spec
// §4.D "Coordinator role", GLOSSARY). ok is false for an empty topology.
func (t Topology) Oldest() (Node, bool) {
	if len(t.nodes) == 0 {
		return Node{}, false
	}
	return t.nodes[0], true
}

// Youngest returns the member with the highest join order.
func (t Topology) Youngest() (Node, bool) {
	if len(t.nodes) == 0 {
		return Node{}, false
	}
	return t.nodes[len(t.nodes)-1], true
}

// Get returns the member with the given ID, if present. Uses
// slices.IndexFunc the way the teacher's ShardRegistry looked up a
// node by ID (cmd/coordinator/main.go), generalized from NodeInfo to
// cluster.Node.
func (t Topology) Get(id nodeid.ID) (Node, bool) {
	idx := slices.IndexFunc(t.nodes, func(n Node) bool { return n.ID == id })
	if idx < 0 {
		return Node{}, false
	}
	return t.nodes[idx], true
}

// Contains reports whether id is a member of this topology.
func (t Topology) Contains(id nodeid.ID) bool {
	_, ok := t.Get(id)
	return ok
}

// Filter returns the subset of nodes matching predicate, preserving
// join-order. Used by internal/cluster.View.Filter and by the
// coordination kernel to scope a process to the nodes that registered
// its name as a service property (spec §4.I).
func (t Topology) Filter(predicate func(Node) bool) []Node {
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if predicate(n) {
			out = append(out, n)
		}
	}
	return out
}

// ManagerIndex deterministically maps name to an index in [0, size)
// using FNV-1a, matching the teacher's ShardRegistry consistent-hash
// approach (internal/coordinator.ShardRegistry.ShardForKey), generalized
// from "key to shard" to "lock name to manager node" (spec §4.H). It
// returns -1 for an empty topology.
func (t Topology) ManagerIndex(name string) int {
	if len(t.nodes) == 0 {
		return -1
	}
	return int(fnv32a(name) % uint32(len(t.nodes)))
}

// SortedByID returns a copy of the member nodes ordered by ID byte
// value — the ordering spec §4.H's "topology.nodes.sortedBy(id)"
// requires, distinct from the join-order ordering used everywhere
// else. Exported so components outside this package (the load
// balancer's affinity-hash policy, §4.J) can pick deterministically
// from the same ordering the lock manager uses.
func (t Topology) SortedByID() []Node {
	return t.sortedByID()
}

func (t Topology) sortedByID() []Node {
	cp := make([]Node, len(t.nodes))
	copy(cp, t.nodes)
	sort.Slice(cp, func(i, j int) bool { return cp[i].ID.Compare(cp[j].ID) < 0 })
	return cp
}

// Manager returns the manager node for (region, name): the node at
// hash(name) mod size in the ID-sorted member list (spec §4.H).
func (t Topology) Manager(name string) (Node, bool) {
	sorted := t.sortedByID()
	if len(sorted) == 0 {
		return Node{}, false
	}
	idx := int(fnv32a(name) % uint32(len(sorted)))
	return sorted[idx], true
}

// Hash computes the content digest of the sorted node-id set (spec
// §6). Two topologies with the same membership (regardless of
// version or status) hash identically, which is what lets a lock
// client detect "my view of who owns locks is stale" without a full
// topology compare.
func (t Topology) Hash() Hash {
	sorted := t.sortedByID()
	h := md5.New() //nolint:gosec
	for _, n := range sorted {
		b := n.ID.Bytes()
		h.Write(b[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
