package lock

import (
	"context"

	"github.com/hekate-io/hekate/internal/cluster"
	"github.com/hekate-io/hekate/internal/nodeid"
)

// MigrationKey identifies one migration round (spec §4.H:
// "LockMigrationKey{node-id, topology-hash, monotonic-id}"). A fresh
// key is minted by the initiating (oldest UP) member every time the
// region's topology changes.
type MigrationKey struct {
	NodeID       nodeid.ID
	TopologyHash cluster.Hash
	Sequence     uint64
}

// Ownership is one node's claim over a named lock, carried in both
// migration phases.
type Ownership struct {
	Name        string
	Owner       nodeid.ID
	OwnerThread string
	LockID      ID
}

// MigrationPrepare is phase one's broadcast (spec §4.H): "Prepare —
// broadcast a MigrationPrepare{region, key, firstPass, topologies,
// locks} where locks is each node's local view of ownerships it
// believes itself to manage."
type MigrationPrepare struct {
	Region    string
	Key       MigrationKey
	FirstPass bool
	Locks     []Ownership
}

// MigrationPrepareReply is what a recipient sends back: its own
// locally-owned locks, plus the topology hash it observes (so the
// coordinator can detect a mismatch and run a second pass).
type MigrationPrepareReply struct {
	From         nodeid.ID
	TopologyHash cluster.Hash
	Locks        []Ownership
}

// MigrationApply is phase two's broadcast: the merged ownership set
// every node adopts the subset of, dropping everything else (spec
// §4.H).
type MigrationApply struct {
	Region string
	Key    MigrationKey
	Locks  []Ownership
}

// Broadcaster sends the two migration phases to a set of peers and
// collects replies. Production wiring satisfies this with the
// messaging gateway (component G); tests can supply an in-process
// fake, the same capability-passing shape internal/gossip.Detector
// and internal/seed.Provider use.
type Broadcaster interface {
	BroadcastPrepare(ctx context.Context, targets []nodeid.ID, req MigrationPrepare) (map[nodeid.ID]MigrationPrepareReply, error)
	BroadcastApply(ctx context.Context, targets []nodeid.ID, req MigrationApply) error
}

// mergeLocks combines ownership lists from multiple replies, last
// writer (by iteration order over replies) winning on a name
// collision — migration replies are each node's own disjoint belief
// about what it owns, so collisions only arise from stale views mid
// topology-change, which the next migration round corrects.
func mergeLocks(replies map[nodeid.ID]MigrationPrepareReply) []Ownership {
	merged := make(map[string]Ownership)
	for _, reply := range replies {
		for _, o := range reply.Locks {
			merged[o.Name] = o
		}
	}
	out := make([]Ownership, 0, len(merged))
	for _, o := range merged {
		out = append(out, o)
	}
	return out
}
